package detection

// ModelType is the calibration family of a model
type ModelType string

const (
	ModelLegacy       ModelType = "legacy"
	ModelModern       ModelType = "modern"
	ModelExperimental ModelType = "experimental"
)

// Model describes a remote model the service can route frames to
type Model struct {
	ID       string
	Name     string
	Version  string
	Endpoint string
	Type     ModelType
}

const DefaultModelID = "vgg19-legacy"

// Models known to the inference service
var Models = map[string]Model{
	"vgg19-legacy": {
		ID:       "vgg19-legacy",
		Name:     "VGG19 + Bi-LSTM",
		Version:  "1.0",
		Endpoint: "/api/detect/video",
		Type:     ModelLegacy,
	},
	"modern-model": {
		ID:       "modern-model",
		Name:     "Modern Architecture",
		Version:  "2.0",
		Endpoint: "/api/v2/detect",
		Type:     ModelModern,
	},
	"experimental": {
		ID:       "experimental",
		Name:     "Experimental Model",
		Version:  "3.0-beta",
		Endpoint: "/api/v3/detect",
		Type:     ModelExperimental,
	},
}

// ActiveModel looks up id, defaulting to the legacy model when unknown
func ActiveModel(id string) Model {
	if m, ok := Models[id]; ok {
		return m
	}
	return Models[DefaultModelID]
}
