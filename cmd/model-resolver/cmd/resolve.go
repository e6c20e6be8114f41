package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gosuri/uilive"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"model-resolver/internal/models"
	"model-resolver/internal/resolver"
)

var (
	nodeTypeFlag  string
	overwriteFlag bool
)

var resolveCmd = &cobra.Command{
	Use:   "resolve <model-name>",
	Short: "Resolve and download one model",
	Long: `Resolve takes a model filename (e.g. detail_tweaker.safetensors), a
repository reference (owner/repo) or a URL, finds the model and downloads it
into the models tree.`,
	Args: cobra.ExactArgs(1),
	RunE: runResolve,
}

func init() {
	resolveCmd.Flags().StringVar(&nodeTypeFlag, "node-type", "", "Workflow node type requesting the model (guides directory placement)")
	resolveCmd.Flags().BoolVar(&overwriteFlag, "overwrite", false, "Re-download even if the file already exists")
	_ = viper.BindPFlag("resolve.node_type", resolveCmd.Flags().Lookup("node-type"))
	_ = viper.BindPFlag("resolve.overwrite", resolveCmd.Flags().Lookup("overwrite"))
	rootCmd.AddCommand(resolveCmd)
}

func runResolve(cmd *cobra.Command, args []string) error {
	app, err := newApp()
	if err != nil {
		return err
	}
	defer app.Close()

	sessionID := fmt.Sprintf("cli-%d", time.Now().UnixNano())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		app.cancels.Cancel(sessionID)
	}()

	done := make(chan resolver.Result, 1)
	go func() {
		done <- app.resolver.Resolve(ctx, resolver.Request{
			ModelName: args[0],
			NodeType:  nodeTypeFlag,
			SessionID: sessionID,
			Overwrite: overwriteFlag,
		})
	}()

	writer := uilive.New()
	writer.Start()
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	var res resolver.Result
render:
	for {
		select {
		case res = <-done:
			break render
		case <-ticker.C:
			state := app.store.Get(sessionID)
			fmt.Fprintf(writer, "[%3d%%] %s\n", state.Percentage, state.Message)
		}
	}

	final := app.store.Get(sessionID)
	fmt.Fprintf(writer, "[%3d%%] %s\n", final.Percentage, final.Message)
	writer.Stop()

	if !res.Success {
		if models.IsCancelled(res.Err) {
			log.Warn("Resolution cancelled")
			return nil
		}
		return res.Err
	}
	log.Infof("Model available at %s (source: %s)", res.Path, res.Source)
	return nil
}
