package templates

import (
	"bytes"
	"fmt"

	"gopkg.in/yaml.v3"
)

// Frontmatter is the optional YAML header of a template file.
type Frontmatter struct {
	Layout    string `yaml:"layout"`
	Preheader string `yaml:"preheader"`
	Subject   string `yaml:"subject"`
}

var delimiter = []byte("---")

// splitFrontmatter separates the YAML header from the template body. Files
// without a leading "---" are all body.
func splitFrontmatter(content []byte) (Frontmatter, string, error) {
	var meta Frontmatter

	if !bytes.HasPrefix(content, delimiter) {
		return meta, string(content), nil
	}

	rest := bytes.TrimLeft(bytes.TrimPrefix(content, delimiter), "\r\n")
	end := bytes.Index(rest, delimiter)
	if end == -1 {
		return meta, "", fmt.Errorf("%w: closing delimiter not found", ErrInvalidFrontmatter)
	}

	header := rest[:end]
	body := rest[end+len(delimiter):]
	body = bytes.TrimPrefix(body, []byte("\r"))
	body = bytes.TrimPrefix(body, []byte("\n"))

	if len(bytes.TrimSpace(header)) > 0 {
		if err := yaml.Unmarshal(header, &meta); err != nil {
			return meta, "", fmt.Errorf("%w: %v", ErrInvalidFrontmatter, err)
		}
	}

	return meta, string(body), nil
}
