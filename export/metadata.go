package export

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/elhananby/ximea-camera/frame"
)

// MetadataFile is the per-clip frame table written next to the video
const MetadataFile = "metadata.csv"

var metadataHeader = []string{"nframe", "acq_nframe", "timestamp_raw", "exposure_time"}

// WriteMetadata writes one row per frame in the given order
func WriteMetadata(w io.Writer, frames []*frame.Frame) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(metadataHeader); err != nil {
		return err
	}
	row := make([]string, len(metadataHeader))
	for _, f := range frames {
		row[0] = strconv.FormatUint(uint64(f.Seq), 10)
		row[1] = strconv.FormatUint(uint64(f.AcqSeq), 10)
		row[2] = strconv.FormatUint(f.TimestampRaw, 10)
		row[3] = strconv.FormatUint(uint64(f.ExposureUs), 10)
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// writeMetadataFile creates (or truncates) path and writes the frame table
func writeMetadataFile(path string, frames []*frame.Frame) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create metadata file: %w", err)
	}
	if err := WriteMetadata(file, frames); err != nil {
		file.Close()
		return fmt.Errorf("write metadata: %w", err)
	}
	return file.Close()
}
