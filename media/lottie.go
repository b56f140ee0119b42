package media

import (
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// LottieInfo is the header of a vector animation.
type LottieInfo struct {
	Width     int
	Height    int
	FrameRate float64
	InPoint   float64
	OutPoint  float64
}

// Frames returns the number of frames in the animation.
func (l LottieInfo) Frames() int { return int(l.OutPoint - l.InPoint) }

type lottieHeader struct {
	W  *float64 `json:"w"`
	H  *float64 `json:"h"`
	Fr *float64 `json:"fr"`
	Ip *float64 `json:"ip"`
	Op *float64 `json:"op"`
}

// ReadLottie parses the gzip-compressed Lottie document in r.
func ReadLottie(r io.Reader) (LottieInfo, error) {
	zr, err := gzip.NewReader(r)
	if err != nil {
		return LottieInfo{}, fmt.Errorf("%w: tgs gzip: %v", ErrDecode, err)
	}
	defer zr.Close()
	var h lottieHeader
	if err := json.NewDecoder(zr).Decode(&h); err != nil {
		return LottieInfo{}, fmt.Errorf("%w: tgs json: %v", ErrDecode, err)
	}
	if h.W == nil || h.H == nil || h.Fr == nil || h.Ip == nil || h.Op == nil {
		return LottieInfo{}, fmt.Errorf("%w: tgs header incomplete", ErrDecode)
	}
	info := LottieInfo{Width: int(*h.W), Height: int(*h.H), FrameRate: *h.Fr, InPoint: *h.Ip, OutPoint: *h.Op}
	if info.Width <= 0 || info.Height <= 0 || info.FrameRate <= 0 || info.OutPoint <= info.InPoint {
		return LottieInfo{}, fmt.Errorf("%w: tgs header out of range %+v", ErrDecode, info)
	}
	return info, nil
}

// ReadLottieFile parses the vector animation at path.
func ReadLottieFile(path string) (LottieInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return LottieInfo{}, err
	}
	defer f.Close()
	return ReadLottie(f)
}
