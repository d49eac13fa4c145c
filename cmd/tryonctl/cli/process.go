package cli

import (
	"fmt"
	"log"
	"os"

	"github.com/gabriel-vasile/mimetype"
	"github.com/spf13/cobra"

	"github.com/tccmarket/api/internal/bootstrap"
	"github.com/tccmarket/api/internal/client"
	"github.com/tccmarket/api/internal/model"
	"github.com/tccmarket/api/internal/tryon"
)

// processCmd runs one garment photo through the whole pipeline in the foreground
var processCmd = &cobra.Command{
	Use:   "process",
	Short: "Render a garment photo and attach it to a product",
	Long: `Run the full try-on pipeline for a local image: check credits, submit,
poll until the remote job finishes, store the result and optionally attach it
to a catalog product.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("file")
		productID, _ := cmd.Flags().GetInt64("product")
		rawCategory, _ := cmd.Flags().GetString("category")

		category, ok := model.ParseSubjectCategory(rawCategory)
		if !ok {
			return fmt.Errorf("invalid category %q (allowed: %v)", rawCategory, model.ValidSubjectCategories)
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read image: %w", err)
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		cat, closeCatalog, err := bootstrap.BuildCatalog(ctx, cfg.Database)
		if err != nil {
			return err
		}
		defer closeCatalog()

		api := client.NewTryOnClient(&cfg.TryOn)
		if !api.IsConfigured() {
			return fmt.Errorf("TRYON_API_KEY is not set")
		}
		pipeline := bootstrap.BuildPipeline(cfg, api, bootstrap.BuildStorage(cfg.Storage), cat.Store, nil)

		req := model.TryOnRequest{
			Image:    model.ImagePayload{Data: data, ContentType: mimetype.Detect(data).String()},
			Category: category,
		}
		if productID > 0 {
			req.ProductID = &productID
		}

		result, err := pipeline.Process(ctx, req, tryon.Hooks{
			StageStarted: func(stage tryon.Stage) {
				log.Printf("[TryOn] stage %s", stage)
			},
			Polled: func(attempt int, job *model.TransformJob) {
				log.Printf("[TryOn] poll %d/%d: %s", attempt, pipeline.MaxPollAttempts(), job.Status)
			},
		})
		if err != nil {
			if e, ok := tryon.AsError(err); ok {
				_ = printJSON(e.ToJobError())
			}
			return err
		}
		return printJSON(result)
	},
}

func init() {
	rootCmd.AddCommand(processCmd)

	processCmd.Flags().StringP("file", "f", "", "Garment photo (JPEG, PNG or WebP)")
	processCmd.Flags().Int64P("product", "p", 0, "Product to attach the result to")
	processCmd.Flags().StringP("category", "c", string(model.DefaultSubjectCategory), "Reference subject: female or male")
	_ = processCmd.MarkFlagRequired("file")
}
