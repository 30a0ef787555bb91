package main

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/kardianos/service"
	"github.com/spf13/cobra"

	"github.com/flemzord/mcpexec/pkg/app"
)

// program runs the gateway under the host service manager.
type program struct {
	params app.RunParams
	logger service.Logger

	cancel context.CancelFunc
	done   chan error
}

var _ service.Interface = (*program)(nil)

// Start must not block.
func (p *program) Start(service.Service) error {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan error, 1)

	a, err := app.Open(ctx, p.params)
	if err != nil {
		cancel()
		return err
	}
	go func() {
		err := a.Serve(ctx)
		if err != nil && p.logger != nil {
			_ = p.logger.Error(err)
		}
		p.done <- err
	}()
	return nil
}

func (p *program) Stop(service.Service) error {
	if p.cancel == nil {
		return nil
	}
	p.cancel()
	return <-p.done
}

func newService(params app.RunParams) (service.Service, *program, error) {
	args := []string{"service", "run"}
	if params.ConfigPath != "" {
		abs, err := filepath.Abs(params.ConfigPath)
		if err != nil {
			return nil, nil, err
		}
		args = append(args, "--config", abs)
	}

	prg := &program{params: params}
	svc, err := service.New(prg, &service.Config{
		Name:        "mcpexec",
		DisplayName: "mcpexec",
		Description: "Sandboxed execution of natural-language intents over MCP tools",
		Arguments:   args,
	})
	if err != nil {
		return nil, nil, err
	}
	prg.logger, err = svc.Logger(nil)
	if err != nil {
		return nil, nil, err
	}
	return svc, prg, nil
}

func serviceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "service",
		Short: "Install and control mcpexec as a system service",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Run under the service manager (used by the installed unit)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			params, err := runParams(cmd)
			if err != nil {
				return err
			}
			svc, _, err := newService(params)
			if err != nil {
				return err
			}
			return svc.Run()
		},
	})

	for _, action := range service.ControlAction {
		cmd.AddCommand(&cobra.Command{
			Use:   action,
			Short: fmt.Sprintf("%s the mcpexec service", action),
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				params, err := runParams(cmd)
				if err != nil {
					return err
				}
				svc, _, err := newService(params)
				if err != nil {
					return err
				}
				if err := service.Control(svc, action); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "service %s: ok\n", action)
				return nil
			},
		})
	}
	return cmd
}
