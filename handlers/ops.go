package handlers

import (
	"context"
	"fmt"
	"log"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tournament-escrow/middleware"
	"tournament-escrow/safety"
	"tournament-escrow/services"
	"tournament-escrow/workers"
)

// Deployer runs the deployment trigger on demand.
type Deployer interface {
	Run(ctx context.Context) (workers.RunReport, error)
}

// SetupHealthRoutes registers the unauthenticated probes. Call before any
// authenticated group is mounted.
func SetupHealthRoutes(app *fiber.App, reg *safety.Registry, gatherer prometheus.Gatherer) {
	app.Get("/healthz", func(c *fiber.Ctx) error {
		status := "ok"
		var open []string
		for _, st := range reg.States() {
			if st.Mode != safety.ModeClosed {
				open = append(open, st.Name)
			}
		}
		if len(open) > 0 {
			status = "degraded"
		}
		return c.JSON(fiber.Map{"status": status, "open_circuits": open})
	})

	app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
}

func SetupOpsRoutes(router fiber.Router, reg *safety.Registry, deployer Deployer) {
	operator := middleware.RequireRole("admin", "operator")

	router.Get("/breakers", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"breakers": reg.States()})
	})

	router.Post("/breakers/:name/reset", operator, func(c *fiber.Ctx) error {
		name := c.Params("name")
		if !reg.Reset(name) {
			return respondError(c, fmt.Errorf("%w: breaker %q", services.ErrNotFound, name))
		}
		log.Printf("🔧 [API] %s reset breaker %s", operatorName(c), name)
		return c.JSON(reg.Breaker(name).State())
	})

	router.Post("/deployments/run", operator, func(c *fiber.Ctx) error {
		report, err := deployer.Run(c.UserContext())
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(report)
	})
}
