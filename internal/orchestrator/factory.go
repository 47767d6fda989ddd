package orchestrator

import (
	"context"

	"log/slog"

	"github.com/randomizedcoder/go-appium-screenshot-matrix/internal/actions"
	"github.com/randomizedcoder/go-appium-screenshot-matrix/internal/appium"
	"github.com/randomizedcoder/go-appium-screenshot-matrix/internal/build"
	"github.com/randomizedcoder/go-appium-screenshot-matrix/internal/command"
	"github.com/randomizedcoder/go-appium-screenshot-matrix/internal/config"
	"github.com/randomizedcoder/go-appium-screenshot-matrix/internal/device"
	"github.com/randomizedcoder/go-appium-screenshot-matrix/internal/plan"
	"github.com/randomizedcoder/go-appium-screenshot-matrix/internal/registry"
)

// controllerAdapter narrows *appium.Controller to the ServerController
// interface. The explicit nil return keeps a typed-nil *ServerProcess
// out of the Server interface value.
type controllerAdapter struct {
	ctrl *appium.Controller
}

func (a controllerAdapter) Start(ctx context.Context, port int) (Server, error) {
	server, err := a.ctrl.Start(ctx, port)
	if err != nil {
		return nil, err
	}
	return server, nil
}

// DefaultFactory builds the production collaborator set. Every job
// gets a fresh registry, server controller, device manager, and build
// service so nothing leaks between jobs.
func DefaultFactory(cfg *config.Config, matrix *config.Matrix, logger *slog.Logger) CollaboratorFactory {
	return func(job plan.RunJob) (*Collaborators, error) {
		executor := command.NewExecutor(logger)
		manager, err := device.NewManager(job.Platform, executor, cfg, matrix, logger)
		if err != nil {
			return nil, err
		}
		return &Collaborators{
			Registry: registry.New(logger),
			Server:   controllerAdapter{ctrl: appium.NewController(cfg, logger)},
			Device:   manager,
			Builder:  build.NewService(executor, logger, cfg.BuildTimeout, cfg.BuildEnv),
			NewClient: func(baseURL string) SessionClient {
				return appium.NewClient(baseURL, logger)
			},
			NewRunner: func(session SessionClient, job plan.RunJob) SetRunner {
				return actions.NewRunner(session, job, cfg, logger)
			},
		}, nil
	}
}
