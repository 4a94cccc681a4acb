package cmd

import (
	"context"
	"net/http"
	"os"
	"strings"

	"github.com/advdv/h2mux"
	"github.com/advdv/h2mux/app"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var (
	serveAddrArg     string
	serveServiceArg  string
	serveLogLevelArg string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "run the demo server",
	Long: `Run a demo server on the h2mux stack. Flags override the matching H2MUX_* environment
variables, every other setting is read from the environment.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		for flag, name := range map[string]string{
			"addr":      "H2MUX_ADDR",
			"service":   "H2MUX_SERVICE_NAME",
			"log-level": "H2MUX_LOG_LEVEL",
		} {
			if cmd.Flags().Changed(flag) || os.Getenv(name) == "" {
				v, _ := cmd.Flags().GetString(flag)
				if err := os.Setenv(name, v); err != nil {
					return err
				}
			}
		}

		app.NewApp[app.BaseEnvironment](demoRoutes, app.WithFx(fx.Provide(newDemo))).Run()

		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVarP(&serveAddrArg, "addr", "a", ":8443", "listen address")
	serveCmd.Flags().StringVarP(&serveServiceArg, "service", "s", "h2mux", "service name for logs and traces")
	serveCmd.Flags().StringVarP(&serveLogLevelArg, "log-level", "l", "info", "log level")
}

type demo struct {
	rt *app.Runtime[app.BaseEnvironment]
}

func newDemo(rt *app.Runtime[app.BaseEnvironment]) *demo {
	return &demo{rt: rt}
}

func demoRoutes(m *h2mux.ServeMux, d *demo) {
	m.HandleFunc("GET /echo/*rest", d.echo, "echo")
	m.HandleFunc("POST /upper", d.upper)
	m.HandleFunc("GET /fetch", d.fetch)
}

func (d *demo) echo(ctx context.Context, w *h2mux.Response, r *h2mux.Request) error {
	app.Log(ctx).Debug("echo", zap.String("rest", r.PathValue("rest")))

	self, err := d.rt.Reverse("echo", r.PathValue("rest"))
	if err != nil {
		return err
	}

	w.Header().Set("Content-Type", "text/plain")
	_, err = w.WriteString(self + "\n")

	return err
}

func (d *demo) upper(ctx context.Context, w *h2mux.Response, r *h2mux.Request) error {
	body, err := r.Text(ctx)
	if err != nil {
		return err
	}

	_, err = w.WriteString(strings.ToUpper(body))

	return err
}

// fetch streams the resource named by the "url" query parameter through the client reactor.
func (d *demo) fetch(ctx context.Context, w *h2mux.Response, r *h2mux.Request) error {
	target := r.Query.Get("url")
	if target == "" {
		return h2mux.Errorf(h2mux.CodeBadRequest, "missing url parameter")
	}

	dl, err := d.rt.Client().Stream(ctx, http.MethodGet, target, nil, nil)
	if err != nil {
		return h2mux.NewError(h2mux.CodeBadGateway, err)
	}
	defer dl.Close()

	body, err := dl.Body.Collect(ctx)
	if err != nil {
		if werr := dl.Wait(); werr != nil {
			return h2mux.NewError(h2mux.CodeBadGateway, werr)
		}

		return err
	}

	app.Span(ctx).AddEvent("upstream fetched")

	if ct := dl.Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	}

	w.WriteHeader(dl.Status)
	_, err = w.Write(body)

	return err
}
