package storage

import (
	"fmt"

	"github.com/ruteri/attested-lookup/interfaces"
)

// namespace is the directory, key prefix or path segment used for a content type.
func namespace(contentType interfaces.ContentType) (string, error) {
	switch contentType {
	case interfaces.PolicyDocumentType, interfaces.RootBundleType:
		return contentType.String(), nil
	}
	return "", fmt.Errorf("unsupported content type: %d", contentType)
}

func verifyContent(id interfaces.ContentID, data []byte) error {
	if actual := interfaces.ComputeID(data); !actual.Equal(id) {
		return fmt.Errorf("%w: requested %s, got %s", interfaces.ErrContentMismatch, id, actual)
	}
	return nil
}
