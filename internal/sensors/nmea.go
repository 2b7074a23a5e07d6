package sensors

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	nmea "github.com/adrianmo/go-nmea"

	"github.com/relabs-tech/motion_fusion/internal/imu"
	"github.com/relabs-tech/motion_fusion/internal/monitoring"
)

// Sample sentences on the serial feed use the "II" (integrated
// instrumentation) talker:
//
//	$IIGYR,<t>,<x>,<y>,<z>*CS   rad/s
//	$IIACC,<t>,<x>,<y>,<z>*CS   m/s²
//	$IIMAG,<t>,<x>,<y>,<z>*CS   µT
const (
	talkerID = "II"

	TypeGYR = "GYR"
	TypeACC = "ACC"
	TypeMAG = "MAG"
)

var sentenceKinds = map[string]imu.Kind{
	TypeGYR: imu.KindGyroscope,
	TypeACC: imu.KindAccelerometer,
	TypeMAG: imu.KindMagnetometer,
}

// SampleSentence is one decoded sample sentence.
type SampleSentence struct {
	nmea.BaseSentence
	Time    float64
	X, Y, Z float64
}

// Sample converts the sentence to a RawSample.
func (s SampleSentence) Sample() imu.RawSample {
	return imu.NewSample(sentenceKinds[s.Type], s.Time, s.X, s.Y, s.Z)
}

func parseSampleSentence(s nmea.BaseSentence) (nmea.Sentence, error) {
	p := nmea.NewParser(s)
	out := SampleSentence{
		BaseSentence: s,
		Time:         p.Float64(0, "time"),
		X:            p.Float64(1, "x"),
		Y:            p.Float64(2, "y"),
		Z:            p.Float64(3, "z"),
	}
	return out, p.Err()
}

var (
	registerOnce sync.Once
	registerErr  error
)

func registerSentences() error {
	registerOnce.Do(func() {
		for typ := range sentenceKinds {
			if err := nmea.RegisterParser(typ, parseSampleSentence); err != nil {
				registerErr = fmt.Errorf("register %s parser: %w", typ, err)
				return
			}
		}
	})
	return registerErr
}

func sentenceType(k imu.Kind) (string, error) {
	switch k {
	case imu.KindGyroscope:
		return TypeGYR, nil
	case imu.KindAccelerometer:
		return TypeACC, nil
	case imu.KindMagnetometer:
		return TypeMAG, nil
	}
	return "", fmt.Errorf("%w: %v", imu.ErrMalformedSample, k)
}

// EncodeSentence renders s as a checksummed sentence without line ending.
func EncodeSentence(s imu.RawSample) (string, error) {
	typ, err := sentenceType(s.Kind)
	if err != nil {
		return "", err
	}
	body := fmt.Sprintf("%s%s,%.6f,%.6f,%.6f,%.6f",
		talkerID, typ, s.Timestamp, s.Values.X, s.Values.Y, s.Values.Z)
	return "$" + body + "*" + nmea.Checksum(body), nil
}

// ParseSentence decodes one sample sentence.
func ParseSentence(line string) (imu.RawSample, error) {
	if err := registerSentences(); err != nil {
		return imu.RawSample{}, err
	}
	sentence, err := nmea.Parse(strings.TrimSpace(line))
	if err != nil {
		return imu.RawSample{}, err
	}
	ss, ok := sentence.(SampleSentence)
	if !ok {
		return imu.RawSample{}, fmt.Errorf("not a sample sentence: %s", sentence.DataType())
	}
	return ss.Sample(), nil
}

// ReadSentences pushes every sample sentence read from r until EOF or ctx
// is cancelled. Lines that fail to parse are skipped.
func ReadSentences(ctx context.Context, r io.Reader, push PushFunc) error {
	if err := registerSentences(); err != nil {
		return err
	}

	reader := bufio.NewReader(r)
	var skipped int
	for {
		if ctx.Err() != nil {
			return nil
		}

		line, err := reader.ReadString('\n')
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "$") {
			if smp, perr := ParseSentence(line); perr != nil {
				// noisy links deliver partial sentences
				skipped++
				if skipped == 1 || skipped%100 == 0 {
					monitoring.Logf("sensors: skipped %d bad sentences, last: %v", skipped, perr)
				}
			} else {
				_ = push(smp)
			}
		}

		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read sentence: %w", err)
		}
	}
}
