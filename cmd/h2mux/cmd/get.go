package cmd

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/advdv/h2mux/client"
	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	getMethodArg  string
	getHeaderArg  []string
	getDataArg    string
	getTimeoutArg time.Duration
	getVerboseArg bool
)

var getCmd = &cobra.Command{
	Use:   "get URL",
	Short: "fetch a url and write the body to stdout",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		header := http.Header{}
		for _, h := range getHeaderArg {
			k, v, ok := strings.Cut(h, ":")
			if !ok {
				return errors.Newf("malformed header %q, want \"Key: Value\"", h)
			}

			header.Add(strings.TrimSpace(k), strings.TrimSpace(v))
		}

		level := zapcore.WarnLevel
		if getVerboseArg {
			level = zapcore.DebugLevel
		}

		cfg := zap.NewDevelopmentConfig()
		cfg.Level = zap.NewAtomicLevelAt(level)

		logs, err := cfg.Build()
		if err != nil {
			return err
		}
		defer logs.Sync()

		return fetch(cmd, logs, args[0], header)
	},
}

func init() {
	rootCmd.AddCommand(getCmd)
	getCmd.Flags().StringVarP(&getMethodArg, "method", "X", http.MethodGet, "request method")
	getCmd.Flags().StringArrayVarP(&getHeaderArg, "header", "H", nil, "request header as \"Key: Value\"")
	getCmd.Flags().StringVarP(&getDataArg, "data", "d", "", "request body")
	getCmd.Flags().DurationVarP(&getTimeoutArg, "timeout", "t", 30*time.Second, "transfer timeout")
	getCmd.Flags().BoolVarP(&getVerboseArg, "verbose", "v", false, "log reactor activity")
}

func fetch(cmd *cobra.Command, logs *zap.Logger, url string, header http.Header) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	reactor := client.New(logs)
	stopped := make(chan error, 1)

	go func() { stopped <- reactor.Run(ctx) }()

	defer func() {
		cancel()

		if err := <-stopped; err != nil {
			logs.Error("reactor failed", zap.Error(err))
		}
	}()

	c := client.NewClient(reactor)
	c.Timeout = getTimeoutArg

	var body []byte
	if getDataArg != "" {
		body = []byte(getDataArg)
	}

	dl, err := c.Stream(ctx, getMethodArg, url, body, header)
	if err != nil {
		return err
	}
	defer dl.Close()

	cmd.PrintErrf("< %d %s\n", dl.Status, http.StatusText(dl.Status))
	for k, vs := range dl.Header {
		for _, v := range vs {
			cmd.PrintErrf("< %s: %s\n", k, v)
		}
	}

	out := cmd.OutOrStdout()
	for {
		chunk, err := dl.Body.Read(ctx)
		if errors.Is(err, io.EOF) {
			break
		} else if err != nil {
			if werr := dl.Wait(); werr != nil {
				return werr
			}

			return err
		}

		if _, err := out.Write(chunk); err != nil {
			return errors.Wrap(err, "write body")
		}
	}

	return dl.Wait()
}
