package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"backendd/internal/backend"
	"backendd/internal/config"
	"backendd/internal/dispatch"
	"backendd/internal/permissions"
	"backendd/internal/registry"
)

func newBackendsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backends",
		Short: "Inspect backend types and the configured pool",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "types",
			Short: "List registered backend types",
			Args:  cobra.NoArgs,
			Run: func(cmd *cobra.Command, args []string) {
				for _, t := range backend.TypeNames() {
					fmt.Fprintln(a.out, t)
				}
			},
		},
		&cobra.Command{
			Use:   "list",
			Short: "List the backends of --config",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, err := a.loadConfig()
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tTYPE\tTITLE\tENABLED\tMAX_USAGES\tLOADS_MODELS\tFEATURES")
				for _, b := range cfg.Backends {
					fmt.Fprintf(tw, "%d\t%s\t%s\t%t\t%d\t%t\t%s\n", b.ID, b.Type, b.Title, b.IsEnabled(), max(b.MaxUsages, 1), b.LoadsModels(), strings.Join(b.Features, ","))
				}
				return tw.Flush()
			},
		},
		newBackendsCheckCmd(a),
	)
	return cmd
}

// newBackendsCheckCmd builds every configured backend and, with --init,
// initializes and shuts them down again.
func newBackendsCheckCmd(a *app) *cobra.Command {
	var (
		doInit  bool
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate --config by constructing (and optionally initializing) each backend",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			h := dispatch.New(dispatch.Config{Logger: a.log})
			if err := h.CreateAll(cfg.Backends); err != nil {
				return err
			}
			if !doInit {
				fmt.Fprintf(a.out, "%d backends ok\n", len(cfg.Backends))
				return nil
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			initErr := h.InitAll(ctx)
			for _, st := range h.Status().Backends {
				line := fmt.Sprintf("%d\t%s\t%s", st.ID, st.Type, st.Status)
				if st.LastError != "" {
					line += "\t" + st.LastError
				}
				fmt.Fprintln(a.out, line)
			}
			shutdownErr := h.ShutdownAll(ctx)
			return errors.Join(initErr, shutdownErr)
		},
	}
	cmd.Flags().BoolVar(&doInit, "init", false, "Initialize each backend, then shut it down")
	cmd.Flags().DurationVar(&timeout, "timeout", time.Minute, "Upper bound for --init")
	return cmd
}

func newModelsCmd(a *app) *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "models",
		Short: "Scan a directory for model files",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("models-dir") && a.opts.ConfigPath != "" {
				cfg, err := a.loadConfig()
				if err != nil {
					return err
				}
				if cfg.ModelsDir != "" {
					dir = cfg.ModelsDir
				}
			}
			models, err := registry.LoadDir(dir)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tFORMAT\tCLASS")
			for _, m := range models {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", m.ID, m.Name, m.Format, m.Class)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&dir, "models-dir", envStr("BACKENDD_MODELS_DIR", defaultModelsDir), "Directory to scan")
	return cmd
}

func newPermissionsCmd(a *app) *cobra.Command {
	var user string
	cmd := &cobra.Command{
		Use:   "permissions",
		Short: "List permission keys, or the keys a configured user holds",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			reg := permissions.Default
			var caller *permissions.Caller
			if user != "" {
				cfg, err := a.loadConfig()
				if err != nil {
					return err
				}
				c, err := findUser(cfg, user)
				if err != nil {
					return err
				}
				caller = &c
			}
			tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
			if caller == nil {
				fmt.Fprintln(tw, "KEY\tDEFAULT\tGROUP\tDESCRIPTION")
			} else {
				fmt.Fprintln(tw, "KEY\tHELD")
			}
			for _, id := range permissions.Sorted(reg.All()) {
				k, _ := reg.Get(id)
				if caller != nil {
					fmt.Fprintf(tw, "%s\t%t\n", k.ID, reg.Has(*caller, k.ID))
					continue
				}
				group := ""
				if k.Group != nil {
					group = k.Group.ID
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", k.ID, k.Default, group, k.Description)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "Resolve the keys held by this user from --config")
	return cmd
}

func findUser(cfg config.Config, name string) (permissions.Caller, error) {
	for _, u := range cfg.Users {
		if u.Name != name {
			continue
		}
		tier, err := permissions.ParseTier(u.Tier)
		if err != nil {
			return permissions.Caller{}, fmt.Errorf("user %s: %w", name, err)
		}
		return permissions.Caller{Name: u.Name, Tier: tier, Grant: u.Grant, Deny: u.Deny}, nil
	}
	return permissions.Caller{}, fmt.Errorf("user %q not found in config", name)
}

func (a *app) loadConfig() (config.Config, error) {
	if a.opts.ConfigPath == "" {
		return config.Config{}, errors.New("--config is required")
	}
	return config.Load(a.opts.ConfigPath)
}
