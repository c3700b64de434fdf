// SPDX-License-Identifier: MIT

package snapshot

import (
	"encoding/json"
	"errors"
	"os"

	"github.com/google/renameio/v2"
)

// UpdateWatermark persists the tail position atomically (temp file +
// fsync + rename). Errors are logged but not propagated; a stale
// watermark only costs a re-read of already-seen lines.
func (w *Writer) UpdateWatermark(bytes int64, inode uint64) {
	data, err := json.Marshal(Watermark{TriageBytes: bytes, TriageInode: inode})
	if err != nil {
		w.logger.Error().Err(err).Msg("marshal watermark failed")
		return
	}
	if err := renameio.WriteFile(w.paths.Watermark, data, 0o640); err != nil {
		w.logger.Error().Err(err).Str("path", w.paths.Watermark).Msg("write watermark failed")
	}
}

// ReadWatermark loads the persisted tail position. A missing file yields
// the zero watermark.
func (w *Writer) ReadWatermark() Watermark {
	data, err := os.ReadFile(w.paths.Watermark) // #nosec G304
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			w.logger.Warn().Err(err).Msg("read watermark failed, starting from zero")
		}
		return Watermark{}
	}
	var wm Watermark
	if err := json.Unmarshal(data, &wm); err != nil {
		w.logger.Warn().Err(err).Msg("parse watermark failed, starting from zero")
		return Watermark{}
	}
	return wm
}
