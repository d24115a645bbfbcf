package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"boltz/internal/store"
)

var (
	resultsCatalog string
	resultsProduct string
)

var resultsCmd = &cobra.Command{
	Use:   "results",
	Short: "Browse the run catalog",
}

var resultsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List cataloged runs, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := store.Open(resultsCatalog, newLogger())
		if err != nil {
			return err
		}
		defer db.Close()
		runs, err := db.ListRuns()
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			fmt.Println("catalog is empty")
			return nil
		}
		for _, r := range runs {
			fmt.Printf("%s  %s  %s\n",
				r.ID, r.CreatedAt.Format(time.RFC3339), r.Digest[:12])
		}
		return nil
	},
}

var resultsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show one run, or print one of its products",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := store.Open(resultsCatalog, newLogger())
		if err != nil {
			return err
		}
		defer db.Close()

		if resultsProduct != "" {
			data, err := db.GetProduct(args[0], resultsProduct)
			if err != nil {
				return err
			}
			_, err = os.Stdout.Write(data)
			return err
		}

		r, err := db.GetRun(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("run      %s\n", r.ID)
		fmt.Printf("created  %s\n", r.CreatedAt.Format(time.RFC3339))
		fmt.Printf("digest   %s\n", r.Digest)
		fmt.Printf("derived  %s\n", r.DerivedJSON)
		fmt.Printf("products %v\n", r.Products)
		return nil
	},
}

var resultsDeleteCmd = &cobra.Command{
	Use:   "delete <run-id>",
	Short: "Remove a run and its products",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := store.Open(resultsCatalog, newLogger())
		if err != nil {
			return err
		}
		defer db.Close()
		if err := db.DeleteRun(args[0]); err != nil {
			return err
		}
		fmt.Println("deleted", args[0])
		return nil
	},
}

func init() {
	resultsCmd.PersistentFlags().StringVar(&resultsCatalog, "catalog", "runs.db",
		"sqlite catalog file")
	resultsShowCmd.Flags().StringVar(&resultsProduct, "product", "",
		"print this product (e.g. cl.dat) instead of the summary")
	resultsCmd.AddCommand(resultsListCmd)
	resultsCmd.AddCommand(resultsShowCmd)
	resultsCmd.AddCommand(resultsDeleteCmd)
	rootCmd.AddCommand(resultsCmd)
}
