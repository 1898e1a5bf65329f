package main

import (
	"fmt"

	"github.com/bytedance/sonic"
	"github.com/spf13/cobra"

	"github.com/ifcbdash/server/internal/config"
	"github.com/ifcbdash/server/internal/mosaic"
	"github.com/ifcbdash/server/internal/repository"
)

var (
	packDB          string
	packBin         string
	packViewSize    string
	packScaleFactor int
)

var packCmd = &cobra.Command{
	Use:   "pack",
	Short: "Print the mosaic layout of one bin as columnar JSON",
	RunE:  runPack,
}

func init() {
	rootCmd.AddCommand(packCmd)

	packCmd.Flags().StringVar(&packDB, "db", "",
		"Bin database (defaults to data.sqlite_path from the config)")
	packCmd.Flags().StringVar(&packBin, "bin", "",
		"Bin ID")
	packCmd.Flags().StringVar(&packViewSize, "view-size", "",
		"Page size as WIDTHxHEIGHT (defaults to mosaic.default_view_size)")
	packCmd.Flags().IntVar(&packScaleFactor, "scale-factor", 0,
		"Scale in percent (defaults to mosaic.default_scale_factor)")
	packCmd.MarkFlagRequired("bin")
}

func runPack(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if packDB == "" {
		packDB = cfg.Data.SQLitePath
	}
	if packViewSize != "" {
		cfg.Mosaic.DefaultViewSize = packViewSize
	}
	if packScaleFactor != 0 {
		cfg.Mosaic.DefaultScaleFactor = packScaleFactor
	}
	shape, err := cfg.DefaultShape()
	if err != nil {
		return err
	}
	scale, err := cfg.DefaultScale()
	if err != nil {
		return err
	}

	repo, err := repository.Open(packDB)
	if err != nil {
		return fmt.Errorf("failed to open bin database: %w", err)
	}
	defer repo.Close()

	req := mosaic.Request{BinID: packBin, Shape: shape, Scale: scale}
	if err := req.Validate(); err != nil {
		return err
	}
	images, err := repo.GetImages(cmd.Context(), packBin)
	if err != nil {
		return err
	}
	records := mosaic.Pack(images, shape, scale)

	out, err := sonic.MarshalIndent(map[string]interface{}{
		"bin_id":      packBin,
		"view_size":   mosaic.FormatViewSize(shape),
		"scale":       scale,
		"num_pages":   mosaic.PageCount(records),
		"coordinates": mosaic.ToColumns(records),
	}, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return nil
}
