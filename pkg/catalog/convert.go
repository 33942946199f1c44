package catalog

import (
	"fmt"
	"time"
)

// Converter turns a raw catalog into an executable one. Every step is a
// hard requirement: transform, stamp the retrieval duration, finalize,
// and persist the class and resource files. Any failure is fatal for the
// current retrieval attempt and propagates to the retriever.
type Converter struct {
	classFile    string
	resourceFile string
}

// NewConverter creates a converter writing introspection files to the
// given paths. An empty path disables that file.
func NewConverter(classFile, resourceFile string) *Converter {
	return &Converter{
		classFile:    classFile,
		resourceFile: resourceFile,
	}
}

// Convert produces a finalized executable catalog from a raw one.
func (cv *Converter) Convert(raw *Raw, retrievalDuration time.Duration) (*Catalog, error) {
	c, err := New(raw)
	if err != nil {
		return nil, fmt.Errorf("catalog conversion failed: %w", err)
	}

	c.RetrievalDuration = retrievalDuration

	if err := c.Finalize(); err != nil {
		return nil, fmt.Errorf("catalog finalization failed: %w", err)
	}

	if cv.classFile != "" {
		if err := c.WriteClassFile(cv.classFile); err != nil {
			return nil, err
		}
	}
	if cv.resourceFile != "" {
		if err := c.WriteResourceFile(cv.resourceFile); err != nil {
			return nil, err
		}
	}

	return c, nil
}
