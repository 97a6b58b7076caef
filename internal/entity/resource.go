package entity

// ResourceType governs how a resource is presented to the writer.
type ResourceType string

const (
	ResourceTypeFile        ResourceType = "file"
	ResourceTypeURL         ResourceType = "url"
	ResourceTypeInstruction ResourceType = "instruct"
	ResourceTypeSolution    ResourceType = "solution"
)

// Resource is a task material: an uploaded document, a web link, the instructions or a solution.
type Resource struct {
	Key      string       `json:"key"`
	Title    string       `json:"title"`
	Type     ResourceType `json:"type"`
	Embedded bool         `json:"embedded"`
	Source   string       `json:"source,omitempty"`
	URL      string       `json:"url"`
	Mimetype string       `json:"mimetype"`
	Size     int64        `json:"size"`
}

// IsPDF reports whether the resource is a document rendered by the PDF viewer.
func (r Resource) IsPDF() bool {
	return r.HasFileToLoad()
}

// IsExternalURL reports whether the resource is a link opened outside the writer.
func (r Resource) IsExternalURL() bool {
	return r.Type == ResourceTypeURL && !r.Embedded
}

// IsEmbeddedURL reports whether the resource is a link shown inside the writer.
func (r Resource) IsEmbeddedURL() bool {
	return r.Type == ResourceTypeURL && r.Embedded
}

// IsEmbeddedSelectable reports whether the resource can be selected in the resources pane.
func (r Resource) IsEmbeddedSelectable() bool {
	return r.Type == ResourceTypeFile || r.IsEmbeddedURL()
}

// HasFileToLoad reports whether the resource content is a file served by the backend.
func (r Resource) HasFileToLoad() bool {
	switch r.Type {
	case ResourceTypeFile, ResourceTypeSolution, ResourceTypeInstruction:
		return true
	default:
		return false
	}
}

// Data returns the flat representation of the resource.
func (r Resource) Data() map[string]any {
	return map[string]any{
		"key":      r.Key,
		"title":    r.Title,
		"type":     string(r.Type),
		"embedded": r.Embedded,
		"url":      r.URL,
		"mimetype": r.Mimetype,
		"size":     r.Size,
	}
}

var resourceFields = fieldKinds{
	"key":      kindString,
	"title":    kindString,
	"type":     kindString,
	"embedded": kindBool,
	"source":   kindString,
	"url":      kindString,
	"mimetype": kindString,
	"size":     kindInt,
}

// DecodeResource decodes a resource. Url resources take their source as url unless
// an explicit url is given.
func DecodeResource(raw []byte) (Resource, error) {
	resource := Resource{Embedded: true}
	if err := decodeObject("resource", raw, resourceFields, &resource); err != nil {
		return Resource{}, err
	}
	if resource.Type == ResourceTypeURL && resource.URL == "" {
		resource.URL = resource.Source
	}
	return resource, nil
}

// DecodeResources decodes a list of resources.
func DecodeResources(raw []byte) ([]Resource, error) {
	return decodeList(raw, DecodeResource)
}
