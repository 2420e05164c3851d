/*
 *	Copyright 2023 Jan Pfeifer
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

// Package checkpoints implements saving and loading of model checkpoints.
//
// A checkpoint named `<name>` is stored as two files in the models directory: `<name>.json` holds the Metadata
// (architecture, stage, metrics, and the position of each parameter in the binary file), and `<name>.bin` holds
// the parameter values as little-endian float32, compressed with gzip.
//
// Files are first written to the temporary directory and then renamed into place, so a crash never leaves a
// partially written checkpoint behind.
//
// Example:
//
//	handler, err := checkpoints.PrepareDirs(saveDir)
//	…
//	err = handler.Save("1_best_model", checkpoints.Metadata{Arch: "linear", Stage: "1"}, model.Params())
package checkpoints

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"encoding/json"
	"io"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/gomlx/dawnbench/pkg/ml/models"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	// JsonNameSuffix is the suffix of the metadata file of a checkpoint.
	JsonNameSuffix = ".json"

	// BinDataSuffix is the suffix of the parameter values file of a checkpoint.
	BinDataSuffix = ".bin"

	// ModelsDir is the subdirectory of the save directory where checkpoints are stored.
	ModelsDir = "models"

	// TmpDir is the subdirectory of the save directory used for temporary files.
	TmpDir = "tmp"
)

// ErrUnsupportedFormat is returned when loading a binary file with an unknown header.
var ErrUnsupportedFormat = errors.New("unsupported checkpoint binary format")

// Metadata of a checkpoint, stored in JSON.
type Metadata struct {
	Arch    string
	Stage   string
	Epoch   int
	Step    int
	Metrics map[string]float64 `json:",omitempty"`
	SavedAt time.Time

	// Params describes where each parameter is stored in the binary file. It is filled by Save.
	Params []ParamInfo

	// BinFormat describes the format used by the binary file. It is informative.
	BinFormat string
}

// ParamInfo describes a parameter serialized in the binary file.
type ParamInfo struct {
	Name       string
	Dimensions []int

	// Pos, Length in values (float32) in the uncompressed data.
	Pos, Length int
}

// Handler saves and loads checkpoints in a models directory.
type Handler struct {
	dir, tmpDir string
}

// PrepareDirs creates the `tmp` and `models` subdirectories of saveDir, and returns a Handler that stores
// checkpoints in `models`.
func PrepareDirs(saveDir string) (*Handler, error) {
	h := &Handler{
		dir:    filepath.Join(saveDir, ModelsDir),
		tmpDir: filepath.Join(saveDir, TmpDir),
	}
	for _, dir := range []string{h.dir, h.tmpDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrapf(err, "failed to create checkpoint directory %q", dir)
		}
	}
	return h, nil
}

// Dir returns the directory where checkpoints are stored.
func (h *Handler) Dir() string { return h.dir }

// String implements fmt.Stringer.
func (h *Handler) String() string { return "checkpoints.Handler(" + h.dir + ")" }

const (
	binHeader  = "dawnbench_checkpoint"
	gzipHeader = "gzip"
)

// Format header
//
// -------------------------------------------------
// | 0                      19 | 20  | 21 20+len   |
// -------------------------------------------------
// |  "dawnbench_checkpoint"   | len |  "gzip"     |

// Save writes the checkpoint `name` with the given metadata and parameter values, replacing any previous
// checkpoint with the same name.
func (h *Handler) Save(name string, metadata Metadata, params []*models.Param) error {
	metadata.Params = make([]ParamInfo, 0, len(params))
	metadata.BinFormat = gzipHeader
	if metadata.SavedAt.IsZero() {
		metadata.SavedAt = time.Now()
	}

	var binData bytes.Buffer
	binData.WriteString(binHeader)
	binData.WriteByte(byte(len(gzipHeader)))
	binData.WriteString(gzipHeader)
	zipper := gzip.NewWriter(&binData)
	pos := 0
	buf := make([]byte, 4)
	for _, p := range params {
		for _, v := range p.Values {
			binary.LittleEndian.PutUint32(buf, math.Float32bits(v))
			if _, err := zipper.Write(buf); err != nil {
				return errors.Wrapf(err, "%s: failed to compress parameter %q", h, p.Name)
			}
		}
		metadata.Params = append(metadata.Params, ParamInfo{
			Name: p.Name, Dimensions: p.Dims, Pos: pos, Length: len(p.Values),
		})
		pos += len(p.Values)
	}
	if err := zipper.Close(); err != nil {
		return errors.Wrapf(err, "%s: failed to compress checkpoint %q", h, name)
	}
	jsonData, err := json.MarshalIndent(&metadata, "", "\t")
	if err != nil {
		return errors.Wrapf(err, "%s: failed to encode metadata of checkpoint %q", h, name)
	}

	// Binary file first: a metadata file always refers to a complete binary file.
	if err := h.writeFile(name+BinDataSuffix, binData.Bytes()); err != nil {
		return err
	}
	if err := h.writeFile(name+JsonNameSuffix, jsonData); err != nil {
		return err
	}
	klog.V(1).Infof("%s: saved checkpoint %q (%d params, %d values)", h, name, len(params), pos)
	return nil
}

// writeFile writes contents to a temporary file and renames it to fileName in the models directory.
func (h *Handler) writeFile(fileName string, contents []byte) error {
	f, err := os.CreateTemp(h.tmpDir, fileName+".*")
	if err != nil {
		return errors.Wrapf(err, "%s: failed to create temporary file for %q", h, fileName)
	}
	tmpName := f.Name()
	_, err = f.Write(contents)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(tmpName)
		return errors.Wrapf(err, "%s: failed to write %q", h, tmpName)
	}
	target := filepath.Join(h.dir, fileName)
	if err := os.Rename(tmpName, target); err != nil {
		_ = os.Remove(tmpName)
		return errors.Wrapf(err, "%s: failed to move %q to %q", h, tmpName, target)
	}
	return nil
}

// Exists returns whether the checkpoint `name` has been saved.
func (h *Handler) Exists(name string) bool {
	_, err := os.Stat(filepath.Join(h.dir, name+JsonNameSuffix))
	return err == nil
}

// Load reads the checkpoint `name`, returning its metadata and parameters.
func (h *Handler) Load(name string) (Metadata, []*models.Param, error) {
	var metadata Metadata
	jsonData, err := os.ReadFile(filepath.Join(h.dir, name+JsonNameSuffix))
	if err != nil {
		return metadata, nil, errors.Wrapf(err, "%s: failed to read metadata of checkpoint %q", h, name)
	}
	if err = json.Unmarshal(jsonData, &metadata); err != nil {
		return metadata, nil, errors.Wrapf(err, "%s: failed to decode metadata of checkpoint %q", h, name)
	}
	f, err := os.Open(filepath.Join(h.dir, name+BinDataSuffix))
	if err != nil {
		return metadata, nil, errors.Wrapf(err, "%s: failed to open data of checkpoint %q", h, name)
	}
	defer func() { _ = f.Close() }()
	values, err := readValues(f)
	if err != nil {
		return metadata, nil, errors.WithMessagef(err, "%s: checkpoint %q", h, name)
	}

	params := make([]*models.Param, 0, len(metadata.Params))
	for _, info := range metadata.Params {
		if info.Pos < 0 || info.Pos+info.Length > len(values) {
			return metadata, nil, errors.Errorf("%s: checkpoint %q parameter %q out of bounds (%d values stored)",
				h, name, info.Name, len(values))
		}
		params = append(params, &models.Param{
			Name:   info.Name,
			Dims:   info.Dimensions,
			Values: values[info.Pos : info.Pos+info.Length],
		})
	}
	return metadata, params, nil
}

// readValues checks the header and decompresses the float32 values of a binary file.
func readValues(r io.Reader) ([]float32, error) {
	header := make([]byte, len(binHeader)+1)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, errors.Wrap(err, "read header")
	}
	if string(header[:len(binHeader)]) != binHeader {
		return nil, ErrUnsupportedFormat
	}
	format := make([]byte, header[len(binHeader)])
	if _, err := io.ReadFull(r, format); err != nil {
		return nil, errors.Wrap(err, "read header")
	}
	if string(format) != gzipHeader {
		return nil, errors.WithMessagef(ErrUnsupportedFormat, "compression %q", format)
	}
	rd, err := gzip.NewReader(r)
	if err != nil {
		return nil, errors.Wrap(err, "read gzip header")
	}
	defer func() { _ = rd.Close() }()
	raw, err := io.ReadAll(rd)
	if err != nil {
		return nil, errors.Wrap(err, "read zip")
	}
	if len(raw)%4 != 0 {
		return nil, errors.Errorf("corrupted data: %d bytes is not a multiple of 4", len(raw))
	}
	values := make([]float32, len(raw)/4)
	for ii := range values {
		values[ii] = math.Float32frombits(binary.LittleEndian.Uint32(raw[4*ii:]))
	}
	return values, nil
}
