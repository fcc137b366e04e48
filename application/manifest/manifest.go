// Package manifest reads the "<name>.info" manifest of a plugin directory and
// turns it into a validated PluginDescriptor.
//
// The manifest is a text file of "Key: value" records, one per line:
//
//	Name: fake
//	Description: Fake codec plugin
//	Version: 1.0
//	APIs: decode-video[h264:vp8], encode-video[h264]
//	Libraries: dxva2.dll
//
// Name, Description, Version and APIs are required; Libraries is optional.
// Keys are case-insensitive. Unknown keys are ignored.
package manifest

import (
	"bufio"
	"bytes"
	stdErrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/reglet-dev/mediahost/domain/entities"
	domerrors "github.com/reglet-dev/mediahost/domain/errors"
)

// FileExtension is the manifest file suffix.
const FileExtension = ".info"

// maxManifestSize bounds how much of a manifest file is read.
const maxManifestSize = 64 * 1024

// validate is a package-level singleton; validators cache struct metadata.
var validate = validator.New()

// Records holds the raw manifest records.
type Records struct {
	Name        string `validate:"required"`
	Description string `validate:"required"`
	Version     string `validate:"required"`
	APIs        string `validate:"required"`
	Libraries   string
}

// ParseRecords reads "Key: value" records from data.
func ParseRecords(data []byte) (Records, error) {
	var rec Records
	if len(data) > maxManifestSize {
		return rec, fmt.Errorf("manifest is %d bytes, limit is %d", len(data), maxManifestSize)
	}

	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		switch strings.ToLower(strings.TrimSpace(key)) {
		case "name":
			rec.Name = value
		case "description":
			rec.Description = value
		case "version":
			rec.Version = value
		case "apis":
			rec.APIs = value
		case "libraries":
			rec.Libraries = value
		}
	}
	return rec, sc.Err()
}

// Validate checks that every required record is present and non-empty.
// The returned error names the first missing field.
func (r Records) Validate() error {
	err := validate.Struct(r)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if stdErrors.As(err, &verrs) && len(verrs) > 0 {
		return &domerrors.ManifestError{Field: verrs[0].Field(), Err: fmt.Errorf("record is missing or empty")}
	}
	return err
}

// Descriptor builds the descriptor for the plugin in dir from data.
func Descriptor(dir string, data []byte) (*entities.PluginDescriptor, error) {
	rec, err := ParseRecords(data)
	if err != nil {
		return nil, &domerrors.ManifestError{Directory: dir, Err: err}
	}
	if err := rec.Validate(); err != nil {
		var me *domerrors.ManifestError
		if stdErrors.As(err, &me) {
			me.Directory = dir
			return nil, me
		}
		return nil, &domerrors.ManifestError{Directory: dir, Err: err}
	}

	caps, err := entities.ParseCapabilities(rec.APIs)
	if err != nil {
		return nil, &domerrors.ManifestError{Directory: dir, Field: "APIs", Err: err}
	}

	desc := &entities.PluginDescriptor{
		Name:         rec.Name,
		DisplayName:  rec.Name,
		Description:  rec.Description,
		Version:      rec.Version,
		Directory:    filepath.Clean(dir),
		Capabilities: caps,
		Libraries:    splitLibraries(rec.Libraries),
	}
	if name, ok := entities.NameFromDirectory(dir); ok {
		desc.Name = name
	}
	if err := validate.Struct(desc); err != nil {
		return nil, &domerrors.ManifestError{Directory: dir, Err: err}
	}
	return desc, nil
}

// Load reads "<dir>/<name>.info", where the directory is named "gmp-<name>".
func Load(dir string) (*entities.PluginDescriptor, error) {
	name, ok := entities.NameFromDirectory(dir)
	if !ok {
		return nil, &domerrors.ManifestError{
			Directory: dir,
			Err:       fmt.Errorf("directory name must start with %q", entities.DirectoryPrefix),
		}
	}

	path := filepath.Join(dir, name+FileExtension)
	info, err := os.Stat(path)
	if err != nil {
		return nil, &domerrors.ManifestError{Directory: dir, Err: err}
	}
	if info.Size() > maxManifestSize {
		return nil, &domerrors.ManifestError{Directory: dir, Err: fmt.Errorf("manifest is %d bytes, limit is %d", info.Size(), maxManifestSize)}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &domerrors.ManifestError{Directory: dir, Err: err}
	}
	return Descriptor(dir, data)
}

func splitLibraries(value string) []string {
	var libs []string
	for _, lib := range strings.Split(value, ",") {
		if lib = strings.TrimSpace(lib); lib != "" {
			libs = append(libs, lib)
		}
	}
	return libs
}
