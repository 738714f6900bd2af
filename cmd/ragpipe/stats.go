package main

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"ragpipe/internal/domain"
)

var statsImages bool

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show point count and status of the document collection",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := loadApp()
		if err != nil {
			return err
		}
		defer a.Close()
		store, err := a.store()
		if err != nil {
			return err
		}
		name := a.collection()
		if statsImages {
			name = a.qdrant().ImageCollection
		}
		stats, err := store.Stats(cmd.Context(), name)
		if domain.IsNotFound(err, domain.KindCollection) {
			cmd.Printf("Collection %s does not exist yet.\n", name)
			return nil
		}
		if err != nil {
			return err
		}
		cmd.Printf("Collection %s: %d points, status %s\n", name, stats.PointCount, stats.Status)
		return nil
	},
}

var getImages bool

var getCmd = &cobra.Command{
	Use:   "get <point-id>",
	Short: "Print a stored point's payload as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseUint(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid point id %q: %w", args[0], err)
		}
		a, err := loadApp()
		if err != nil {
			return err
		}
		defer a.Close()
		store, err := a.store()
		if err != nil {
			return err
		}
		name := a.collection()
		if getImages {
			name = a.qdrant().ImageCollection
		}
		pt, err := store.Get(cmd.Context(), name, id)
		if err != nil {
			return err
		}
		data, err := json.MarshalIndent(struct {
			ID      uint64         `json:"id"`
			Payload domain.Payload `json:"payload"`
		}{pt.ID, pt.Payload}, "", "  ")
		if err != nil {
			return err
		}
		cmd.Println(string(data))
		return nil
	},
}

func init() {
	statsCmd.Flags().BoolVar(&statsImages, "images", false, "report the image collection instead")
	getCmd.Flags().BoolVar(&getImages, "images", false, "read from the image collection")
	rootCmd.AddCommand(statsCmd, getCmd)
}
