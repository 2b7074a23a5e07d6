package app

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"io"
	"math"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/relabs-tech/motion_fusion/internal/motion"
)

const (
	cardWidth  = 256
	cardHeight = 96
	dialSize   = 80
)

var (
	cardBackground = color.RGBA{R: 16, G: 20, B: 28, A: 255}
	cardText       = color.RGBA{R: 220, G: 230, B: 240, A: 255}
	cardSky        = color.RGBA{R: 40, G: 90, B: 160, A: 255}
	cardGround     = color.RGBA{R: 110, G: 80, B: 40, A: 255}
)

// renderAttitudeCard draws a small status card: an artificial horizon for
// roll and pitch next to the numeric values. have is false before the first
// frame.
func renderAttitudeCard(snap motion.Snapshot, have bool) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, cardWidth, cardHeight))
	draw.Draw(img, img.Bounds(), &image.Uniform{cardBackground}, image.Point{}, draw.Src)

	drawer := &font.Drawer{
		Dst:  img,
		Src:  &image.Uniform{cardText},
		Face: basicfont.Face7x13,
	}
	line := func(y int, s string) {
		drawer.Dot = fixed.P(dialSize+16, y)
		drawer.DrawString(s)
	}

	if !have {
		line(40, "MOTION")
		line(53, "Waiting...")
		return img
	}

	pose := snap.Pose()
	drawHorizon(img, image.Rect(8, 8, 8+dialSize, 8+dialSize), pose.Roll, pose.Pitch)

	line(18, fmt.Sprintf("R:%7.1f", pose.Roll))
	line(31, fmt.Sprintf("P:%7.1f", pose.Pitch))
	line(44, fmt.Sprintf("Y:%7.1f", pose.Yaw))
	if snap.HasHeadingAccuracy() {
		line(57, fmt.Sprintf("H:+-%5.1f deg", snap.HeadingAccuracy*180/math.Pi))
	} else {
		line(57, "H: n/a")
	}
	line(70, fmt.Sprintf("|a|:%5.2f m/s2", math.Sqrt(
		snap.UserAcceleration.X*snap.UserAcceleration.X+
			snap.UserAcceleration.Y*snap.UserAcceleration.Y+
			snap.UserAcceleration.Z*snap.UserAcceleration.Z)))
	line(83, "ACC: "+snap.Accuracy.String())
	return img
}

// drawHorizon fills r with sky above and ground below a line tilted by roll
// and shifted by pitch (both degrees).
func drawHorizon(img *image.RGBA, r image.Rectangle, rollDeg, pitchDeg float64) {
	cx := float64(r.Min.X+r.Max.X) / 2
	cy := float64(r.Min.Y+r.Max.Y) / 2
	radius := float64(r.Dx()) / 2

	roll := rollDeg * math.Pi / 180
	// 90° of pitch moves the horizon by one radius
	offset := pitchDeg / 90 * radius
	sin, cos := math.Sincos(roll)

	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			dx, dy := float64(x)-cx, float64(y)-cy
			if dx*dx+dy*dy > radius*radius {
				continue
			}
			// signed distance above the rolled horizon line
			above := -(dx*sin + dy*cos) + offset
			if above > 0 {
				img.SetRGBA(x, y, cardSky)
			} else {
				img.SetRGBA(x, y, cardGround)
			}
		}
	}
}

func writeAttitudePNG(w io.Writer, snap motion.Snapshot, have bool) error {
	return png.Encode(w, renderAttitudeCard(snap, have))
}
