package seed

import (
	"bytes"
	"fmt"

	"github.com/kdomanski/iso9660"
)

// BuildCIDATA packages the rendered meta-data and user-data documents
// into a CIDATA-labeled ISO9660 image, the NoCloud datasource format
// cloud-init scans for on every boot device.
func (r *Renderer) BuildCIDATA(meta, user []byte) ([]byte, error) {
	writer, err := iso9660.NewWriter()
	if err != nil {
		return nil, fmt.Errorf("seed: new iso writer: %w", err)
	}
	defer writer.Cleanup()

	if err := writer.AddFile(bytes.NewReader(meta), "meta-data"); err != nil {
		return nil, fmt.Errorf("seed: add meta-data to image: %w", err)
	}
	if err := writer.AddFile(bytes.NewReader(user), "user-data"); err != nil {
		return nil, fmt.Errorf("seed: add user-data to image: %w", err)
	}

	var out bytes.Buffer
	if err := writer.WriteTo(&out, "CIDATA"); err != nil {
		return nil, fmt.Errorf("seed: write iso image: %w", err)
	}
	return out.Bytes(), nil
}
