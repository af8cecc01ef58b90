// Package modelstore manages recognition model bundles on local storage.
package modelstore

// Descriptor describes one downloadable model bundle.
type Descriptor struct {
	Key               string `json:"key"`
	BundleName        string `json:"bundle_name"`
	DisplayName       string `json:"display_name"`
	Language          string `json:"language"`
	SourceURL         string `json:"source_url"`
	ExpectedSizeBytes uint64 `json:"expected_size_bytes"`
	Description       string `json:"description"`
}

const mib = 1024 * 1024

// bundlePrefix is shared by every Vosk bundle directory name.
const bundlePrefix = "vosk-model-"

var builtinCatalog = []Descriptor{
	{
		Key:               "en-US-small",
		BundleName:        "vosk-model-small-en-us-0.15",
		DisplayName:       "English (small)",
		Language:          "en-US",
		SourceURL:         "https://alphacephei.com/vosk/models/vosk-model-small-en-us-0.15.zip",
		ExpectedSizeBytes: 40 * mib,
		Description:       "Lightweight US English model for mobile and embedded use.",
	},
	{
		Key:               "zh-CN-small",
		BundleName:        "vosk-model-small-cn-0.22",
		DisplayName:       "Chinese (small)",
		Language:          "zh-CN",
		SourceURL:         "https://alphacephei.com/vosk/models/vosk-model-small-cn-0.22.zip",
		ExpectedSizeBytes: 45 * mib,
		Description:       "Lightweight Mandarin Chinese model.",
	},
	{
		Key:               "ja-JP-small",
		BundleName:        "vosk-model-small-ja-0.22",
		DisplayName:       "Japanese (small)",
		Language:          "ja-JP",
		SourceURL:         "https://alphacephei.com/vosk/models/vosk-model-small-ja-0.22.zip",
		ExpectedSizeBytes: 48 * mib,
		Description:       "Lightweight Japanese model.",
	},
}

// BuiltinCatalog returns a copy of the compiled-in model catalog.
func BuiltinCatalog() []Descriptor {
	out := make([]Descriptor, len(builtinCatalog))
	copy(out, builtinCatalog)
	return out
}
