package httpapi

import (
	"context"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/utils"

	"github.com/i474232898/weather-etl/internal/artifact"
	"github.com/i474232898/weather-etl/internal/pipeline"
	"github.com/i474232898/weather-etl/internal/verify"
)

var validate = validator.New()

const defaultListLimit = 50

// Runner is the pipeline surface exposed over HTTP.
type Runner interface {
	RunAll(ctx context.Context, runKey string) (pipeline.RunResult, error)
	RunStep(ctx context.Context, runKey string, step pipeline.Step, provider string) (int, error)
	Verify(ctx context.Context, runKey string) (verify.Report, error)
}

// RegisterRoutes wires the HTTP handlers into the Fiber app.
func RegisterRoutes(app *fiber.App, runner Runner, ledger pipeline.RunStore) {
	v1 := app.Group("/api/v1")

	v1.Post("/runs/:runKey", func(c *fiber.Ctx) error {
		runKey, err := runKeyParam(c)
		if err != nil {
			return err
		}

		res, err := runner.RunAll(c.UserContext(), runKey)
		if err != nil {
			return c.Status(StatusFor(err)).JSON(fiber.Map{
				"error":   true,
				"message": err.Error(),
				"run":     res,
			})
		}
		return c.JSON(res)
	})

	v1.Post("/runs/:runKey/steps/:step", func(c *fiber.Ctx) error {
		runKey, err := runKeyParam(c)
		if err != nil {
			return err
		}
		step, err := pipeline.ParseStep(c.Params("step"))
		if err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "unknown step "+c.Params("step"))
		}
		provider := utils.CopyString(c.Query("provider"))

		n, err := runner.RunStep(c.UserContext(), runKey, step, provider)
		if err != nil {
			return err
		}
		return c.JSON(fiber.Map{
			"run_key":  runKey,
			"step":     step,
			"provider": provider,
			"records":  n,
		})
	})

	v1.Get("/runs/:runKey", func(c *fiber.Ctx) error {
		runKey, err := runKeyParam(c)
		if err != nil {
			return err
		}
		steps, err := ledger.RunSteps(c.UserContext(), runKey)
		if err != nil {
			return err
		}
		return c.JSON(fiber.Map{
			"run_key": runKey,
			"steps":   steps,
		})
	})

	v1.Get("/runs", func(c *fiber.Ctx) error {
		var q listQuery
		if err := q.bind(c); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		steps, err := ledger.RecentSteps(c.UserContext(), q.Limit)
		if err != nil {
			return err
		}
		return c.JSON(fiber.Map{
			"limit": q.Limit,
			"steps": steps,
		})
	})

	v1.Get("/verify", func(c *fiber.Ctx) error {
		rep, err := runner.Verify(c.UserContext(), "")
		if err != nil {
			return c.Status(StatusFor(err)).JSON(fiber.Map{
				"error":   true,
				"message": err.Error(),
				"report":  rep,
			})
		}
		return c.JSON(rep)
	})
}

// runKeyParam copies the path value: fiber reuses its buffers after the
// handler returns and run keys end up in the ledger.
func runKeyParam(c *fiber.Ctx) (string, error) {
	runKey := utils.CopyString(c.Params("runKey"))
	if err := artifact.ValidateRunKey(runKey); err != nil {
		return "", fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	return runKey, nil
}

// listQuery holds query parameters for the run listing.
type listQuery struct {
	Limit int `validate:"gte=1,lte=1000"`
}

func (q *listQuery) bind(c *fiber.Ctx) error {
	q.Limit = c.QueryInt("limit", defaultListLimit)
	return validate.Struct(q)
}
