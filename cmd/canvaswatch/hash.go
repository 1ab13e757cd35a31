package main

import (
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/GriffinCanCode/canvas-watch/internal/fingerprint"
)

var hashGrid int

var hashCmd = &cobra.Command{
	Use:   "hash <image>...",
	Short: "Print the fingerprint of each image and the distance between neighbours",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		fps := make([]fingerprint.Fingerprint, len(args))
		for i, path := range args {
			fp, err := hashFile(path, hashGrid)
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			fps[i] = fp
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "FILE\tONES\tDISTANCE\tFINGERPRINT")
		for i, path := range args {
			dist := "-"
			if i > 0 {
				d, err := fingerprint.Distance(fps[i-1], fps[i])
				if err != nil {
					return err
				}
				dist = fmt.Sprint(d)
			}
			fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", path, fps[i].Ones(), dist, fps[i])
		}
		return w.Flush()
	},
}

func init() {
	hashCmd.Flags().IntVar(&hashGrid, "grid", fingerprint.DefaultGridSize, "downsampling grid side")
	rootCmd.AddCommand(hashCmd)
}

func hashFile(path string, grid int) (fingerprint.Fingerprint, error) {
	f, err := os.Open(path)
	if err != nil {
		return fingerprint.Fingerprint{}, err
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return fingerprint.Fingerprint{}, err
	}
	return fingerprint.HashImage(img, grid)
}
