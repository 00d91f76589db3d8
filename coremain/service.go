package coremain

import (
	"fmt"

	"github.com/kardianos/service"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nsmura/kitsune/mlog"
)

var svcCfg = &service.Config{
	Name:        "kitsune",
	DisplayName: "kitsune",
	Description: "A caching DNS forwarding proxy.",
	Arguments:   []string{"start", "--as-service"},
}

type serverService struct {
	f *serverFlags
}

func (ss *serverService) Start(s service.Service) error {
	go func() {
		if err := StartServer(ss.f); err != nil {
			mlog.L().Fatal("service exited", zap.Error(err))
		}
	}()
	return nil
}

func (ss *serverService) Stop(s service.Service) error {
	return nil
}

var svc service.Service

func initService(cmd *cobra.Command, args []string) error {
	s, err := service.New(&serverService{f: new(serverFlags)}, svcCfg)
	if err != nil {
		return fmt.Errorf("failed to init service, %w", err)
	}
	svc = s
	return nil
}

func newSvcInstallCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "install",
		Short: "Install kitsune as a system service.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return svc.Install()
		},
	}
}

func newSvcUninstallCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "uninstall",
		Short: "Uninstall the kitsune service.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return svc.Uninstall()
		},
	}
}

func newSvcStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the kitsune service.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return svc.Start()
		},
	}
}

func newSvcStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the kitsune service.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return svc.Stop()
		},
	}
}

func newSvcStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the kitsune service status.",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := svc.Status()
			if err != nil {
				return err
			}
			switch st {
			case service.StatusRunning:
				fmt.Println("running")
			case service.StatusStopped:
				fmt.Println("stopped")
			default:
				fmt.Println("unknown")
			}
			return nil
		},
	}
}
