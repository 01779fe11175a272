package transcoder

import "fmt"

// SegmentDuration is the target duration of each HLS segment in seconds.
const SegmentDuration = 10

// Preset defines video encoding parameters for a quality tier.
type Preset struct {
	Name      string
	Width     int
	Height    int
	Bitrate   string
	MaxRate   string
	BufSize   string
	AudioBPS  string
	Bandwidth int
}

// DefaultPresets is the fixed tier table, lowest quality first.
// Bandwidth is the peak video rate plus audio, as advertised in the master playlist.
var DefaultPresets = []Preset{
	{"480p", 854, 480, "1500k", "1750k", "3500k", "96k", 1846000},
	{"720p", 1280, 720, "3500k", "4000k", "8000k", "128k", 4128000},
	{"1080p", 1920, 1080, "6500k", "7500k", "15000k", "192k", 7692000},
}

// Resolution returns the WxH form used in STREAM-INF tags.
func (p Preset) Resolution() string {
	return fmt.Sprintf("%dx%d", p.Width, p.Height)
}

// ScaleFilter returns the ffmpeg video filter for the tier.
func (p Preset) ScaleFilter() string {
	return fmt.Sprintf("scale=%d:%d", p.Width, p.Height)
}

// GetPresetByName returns the preset matching the given name, or nil if not found.
func GetPresetByName(presets []Preset, name string) *Preset {
	for i := range presets {
		if presets[i].Name == name {
			return &presets[i]
		}
	}
	return nil
}

// TierNames returns the names of presets in table order.
func TierNames(presets []Preset) []string {
	names := make([]string, len(presets))
	for i, p := range presets {
		names[i] = p.Name
	}
	return names
}
