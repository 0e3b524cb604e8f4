// Package source reads parsed reports for the collector.
package source

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/andersnauman/dmarc-collector/internal/config"
	"github.com/andersnauman/dmarc-collector/shared/utils"
)

// Source yields records grouped by a hash of the content they came from.
type Source interface {
	Load(ctx context.Context) (map[string][]json.RawMessage, error)
}

// NewSource creates a source based on configuration
func NewSource(cfg config.SourceConfig, logger *logrus.Logger) (Source, error) {
	switch cfg.Type {
	case "folder":
		return NewFolder(cfg, logger), nil
	default:
		return nil, errors.Errorf("unsupported source type: %s", cfg.Type)
	}
}

var gzipMagic = []byte{0x1f, 0x8b}

// Folder reads *.json and *.json.gz files holding parser output: either an
// array of records or a single record.
type Folder struct {
	root      string
	recursive bool
	logger    *logrus.Logger
}

func NewFolder(cfg config.SourceConfig, logger *logrus.Logger) *Folder {
	return &Folder{
		root:      cfg.Folder,
		recursive: cfg.Recursive,
		logger:    logger,
	}
}

// Files lists the report files under the folder in lexical order.
func (f *Folder) Files() ([]string, error) {
	info, err := os.Stat(f.root)
	if err != nil {
		return nil, errors.Wrapf(err, "accessing %s", f.root)
	}
	if !info.IsDir() {
		return nil, errors.Errorf("%s is not a directory", f.root)
	}

	var files []string
	err = filepath.WalkDir(f.root, func(path string, entry fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if entry.IsDir() {
			if path != f.root && !f.recursive {
				return filepath.SkipDir
			}
			return nil
		}
		if isReportFile(path) {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "walking %s", f.root)
	}

	sort.Strings(files)
	return files, nil
}

// Load reads every report file. Files that cannot be read or parsed are
// logged and skipped. Files with identical content collapse into one entry.
func (f *Folder) Load(ctx context.Context) (map[string][]json.RawMessage, error) {
	files, err := f.Files()
	if err != nil {
		return nil, err
	}

	batches := make(map[string][]json.RawMessage, len(files))
	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		content, err := readContent(path)
		if err != nil {
			f.logger.WithError(err).WithField("file", path).Warn("Skipping unreadable report file")
			continue
		}

		records, err := ParseRecords(content)
		if err != nil {
			f.logger.WithError(err).WithField("file", path).Warn("Skipping invalid report file")
			continue
		}

		hash := utils.HashBytes(content)
		if _, seen := batches[hash]; seen {
			f.logger.WithField("file", path).Debug("Skipping file with duplicate content")
			continue
		}
		batches[hash] = records

		f.logger.WithFields(logrus.Fields{
			"file":    path,
			"records": len(records),
		}).Debug("Report file loaded")
	}

	return batches, nil
}

// ParseRecords splits content into records.
func ParseRecords(content []byte) ([]json.RawMessage, error) {
	content = bytes.TrimSpace(content)
	if !gjson.ValidBytes(content) {
		return nil, errors.New("content is not valid json")
	}

	parsed := gjson.ParseBytes(content)
	switch {
	case parsed.IsArray():
		var records []json.RawMessage
		parsed.ForEach(func(_, value gjson.Result) bool {
			records = append(records, json.RawMessage(value.Raw))
			return true
		})
		return records, nil
	case parsed.IsObject():
		return []json.RawMessage{json.RawMessage(parsed.Raw)}, nil
	}
	return nil, errors.New("expected a record or an array of records")
}

// Flatten joins all batches into one, ordered by hash. Order within a batch
// is kept.
func Flatten(batches map[string][]json.RawMessage) []json.RawMessage {
	hashes := make([]string, 0, len(batches))
	for hash := range batches {
		hashes = append(hashes, hash)
	}
	sort.Strings(hashes)

	var records []json.RawMessage
	for _, hash := range hashes {
		records = append(records, batches[hash]...)
	}
	return records
}

func isReportFile(path string) bool {
	name := strings.ToLower(filepath.Base(path))
	return strings.HasSuffix(name, ".json") || strings.HasSuffix(name, ".json.gz")
}

// readContent returns the file content, decompressed when gzipped.
func readContent(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading file")
	}
	if !bytes.HasPrefix(data, gzipMagic) {
		return data, nil
	}

	gr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, errors.Wrap(err, "creating gzip reader")
	}
	defer gr.Close()

	content, err := io.ReadAll(gr)
	if err != nil {
		return nil, errors.Wrap(err, "decompressing file")
	}
	return content, nil
}
