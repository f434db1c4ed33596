package api

// exportBody is the ExportArtifact request body. gcsPath never carries the
// gs:// scheme.
type exportBody struct {
	SourceTag string `json:"sourceTag"`
	GCSPath   string `json:"gcsPath"`
}
