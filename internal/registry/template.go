package registry

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var errEmptyTemplate = errors.New("template is empty")

// CheckChatTemplate rejects templates whose tag delimiters do not pair up.
// Rendering is left to the inference backend.
func CheckChatTemplate(tpl string) error {
	if strings.TrimSpace(tpl) == "" {
		return errEmptyTemplate
	}
	pairs := [][2]string{{"{{", "}}"}, {"{%", "%}"}, {"{#", "#}"}}
	for i := 0; i < len(tpl); {
		matched := false
		for _, p := range pairs {
			if !strings.HasPrefix(tpl[i:], p[0]) {
				continue
			}
			end := strings.Index(tpl[i+2:], p[1])
			if end < 0 {
				return fmt.Errorf("unclosed %q at offset %d", p[0], i)
			}
			i += 2 + end + 2
			matched = true
			break
		}
		if matched {
			continue
		}
		for _, p := range pairs {
			if strings.HasPrefix(tpl[i:], p[1]) {
				return fmt.Errorf("unexpected %q at offset %d", p[1], i)
			}
		}
		i++
	}
	return nil
}

// templateCandidates lists sidecar files checked for a model's chat template.
func templateCandidates(modelPath string) []string {
	dir := filepath.Dir(modelPath)
	stem := strings.TrimSuffix(filepath.Base(modelPath), filepath.Ext(modelPath))
	return []string{
		filepath.Join(dir, stem+".jinja"),
		filepath.Join(dir, "chat_template.jinja"),
	}
}

// findChatTemplate reads the first sidecar template next to modelPath.
func findChatTemplate(modelPath string) (string, bool, error) {
	for _, p := range templateCandidates(modelPath) {
		b, err := os.ReadFile(p)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return "", false, err
		}
		return string(b), true, nil
	}
	return "", false, nil
}
