package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/andresmejia3/meshline/internal/topology"
	"github.com/andresmejia3/meshline/internal/utils"
	"github.com/spf13/cobra"
)

var topologyJSON bool

// topologyDoc is the exported form of the mesh layout.
type topologyDoc struct {
	Version       string       `json:"version"`
	VertexCount   int          `json:"vertex_count"`
	TriangleCount int          `json:"triangle_count"`
	Indices       []uint16     `json:"indices"`
	UVs           [][2]float32 `json:"uvs"`
}

var topologyCmd = &cobra.Command{
	Use:   "topology",
	Short: "Describe the face mesh layout, or export it with --json",
	Run: func(cmd *cobra.Command, args []string) {
		if !topologyJSON {
			fmt.Printf("Topology %s: %d vertices (%dx%d grid), %d triangles\n",
				topology.Version, topology.VertexCount, topology.Rows, topology.Cols, topology.TriangleCount)
			return
		}

		doc := topologyDoc{
			Version:       topology.Version,
			VertexCount:   topology.VertexCount,
			TriangleCount: topology.TriangleCount,
			Indices:       topology.Indices(),
		}
		for _, uv := range topology.UVs() {
			doc.UVs = append(doc.UVs, [2]float32{uv.U, uv.V})
		}
		if err := json.NewEncoder(os.Stdout).Encode(doc); err != nil {
			utils.Die("Failed to write topology", err, nil)
		}
	},
}

func init() {
	topologyCmd.Flags().BoolVar(&topologyJSON, "json", false, "Write indices and texture coordinates as JSON to stdout")
	rootCmd.AddCommand(topologyCmd)
}
