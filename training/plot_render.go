package training

import (
	"image/color"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/palette"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// Screen pixels per inch used to turn PlotConfig sizes into vg lengths.
const plotDPI = 96

// RenderPNG draws plot data with gonum/plot and writes it to path. The file
// extension selects the image format; parent directories are created.
func RenderPNG(pd PlotData, path string) error {
	p, err := buildPlot(pd)
	if err != nil {
		return errors.Wrapf(err, "building %s plot", pd.PlotType)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errors.Wrap(err, "creating plot directory")
	}

	w, h := pd.Config.Width, pd.Config.Height
	if w <= 0 {
		w = 800
	}
	if h <= 0 {
		h = 600
	}
	width := vg.Length(w) * vg.Inch / plotDPI
	height := vg.Length(h) * vg.Inch / plotDPI
	if err := p.Save(width, height, path); err != nil {
		return errors.Wrapf(err, "saving plot to %s", path)
	}
	return nil
}

func buildPlot(pd PlotData) (*plot.Plot, error) {
	p := plot.New()
	p.Title.Text = pd.Title
	p.X.Label.Text = pd.Config.XAxisLabel
	p.Y.Label.Text = pd.Config.YAxisLabel

	if pd.Config.XAxisScale == "log" {
		p.X.Scale = plot.LogScale{}
		p.X.Tick.Marker = plot.LogTicks{Prec: -1}
	}
	if pd.Config.YAxisScale == "log" {
		p.Y.Scale = plot.LogScale{}
		p.Y.Tick.Marker = plot.LogTicks{Prec: -1}
	}
	if pd.Config.ShowGrid {
		p.Add(plotter.NewGrid())
	}
	p.Legend.Top = true

	for _, s := range pd.Series {
		if len(s.Data) == 0 {
			continue
		}
		switch s.Type {
		case "heatmap":
			addHeatMap(p, s)
		case "scatter":
			sc, err := plotter.NewScatter(seriesXYs(s))
			if err != nil {
				return nil, errors.Wrapf(err, "series %q", s.Name)
			}
			sc.GlyphStyle.Color = seriesColor(s)
			p.Add(sc)
			if pd.Config.ShowLegend {
				p.Legend.Add(s.Name, sc)
			}
		default:
			line, err := plotter.NewLine(seriesXYs(s))
			if err != nil {
				return nil, errors.Wrapf(err, "series %q", s.Name)
			}
			line.LineStyle.Color = seriesColor(s)
			line.LineStyle.Width = vg.Points(styleFloat(s.Style, "line_width", 1.5))
			if s.Style["line_style"] == "dashed" {
				line.LineStyle.Dashes = []vg.Length{vg.Points(6), vg.Points(3)}
			}
			p.Add(line)
			if pd.Config.ShowLegend {
				p.Legend.Add(s.Name, line)
			}
		}
	}
	return p, nil
}

// seriesXYs converts data points, dropping NaN and infinite values.
func seriesXYs(s SeriesData) plotter.XYs {
	xys := make(plotter.XYs, 0, len(s.Data))
	for _, d := range s.Data {
		if math.IsNaN(d.X) || math.IsNaN(d.Y) || math.IsInf(d.X, 0) || math.IsInf(d.Y, 0) {
			continue
		}
		xys = append(xys, plotter.XY{X: d.X, Y: d.Y})
	}
	return xys
}

func styleFloat(style map[string]interface{}, key string, def float64) float64 {
	switch v := style[key].(type) {
	case int:
		return float64(v)
	case float64:
		return v
	}
	return def
}

// seriesColor parses a "#RRGGBB" style color, falling back to black.
func seriesColor(s SeriesData) color.Color {
	hex, _ := s.Style["color"].(string)
	hex = strings.TrimPrefix(hex, "#")
	if len(hex) != 6 {
		return color.Black
	}
	v, err := strconv.ParseUint(hex, 16, 32)
	if err != nil {
		return color.Black
	}
	return color.RGBA{R: uint8(v >> 16), G: uint8(v >> 8), B: uint8(v), A: 255}
}

// cellGrid adapts heatmap data points on an integer lattice to plotter.GridXYZ.
type cellGrid struct {
	cols, rows int
	z          []float64
}

func newCellGrid(data []DataPoint) *cellGrid {
	g := &cellGrid{}
	for _, d := range data {
		if c := int(d.X) + 1; c > g.cols {
			g.cols = c
		}
		if r := int(d.Y) + 1; r > g.rows {
			g.rows = r
		}
	}
	g.z = make([]float64, g.cols*g.rows)
	for _, d := range data {
		g.z[int(d.Y)*g.cols+int(d.X)] = d.Z
	}
	return g
}

func (g *cellGrid) Dims() (c, r int) { return g.cols, g.rows }
func (g *cellGrid) Z(c, r int) float64 { return g.z[r*g.cols+c] }
func (g *cellGrid) X(c int) float64 { return float64(c) }
func (g *cellGrid) Y(r int) float64 { return float64(r) }

func addHeatMap(p *plot.Plot, s SeriesData) {
	g := newCellGrid(s.Data)
	p.Add(plotter.NewHeatMap(g, palette.Heat(12, 1)))

	// Cell counts on top of the colors.
	labels := plotter.XYLabels{}
	for _, d := range s.Data {
		labels.XYs = append(labels.XYs, plotter.XY{X: d.X, Y: d.Y})
		labels.Labels = append(labels.Labels, strconv.FormatFloat(d.Z, 'f', -1, 64))
	}
	if l, err := plotter.NewLabels(labels); err == nil {
		p.Add(l)
	}
}
