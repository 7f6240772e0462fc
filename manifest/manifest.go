// Package manifest describes a process image to bootstrap: the loader and
// module shared objects, where each is mapped and the linker settings.
package manifest

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/sliverarmory/rtld"
	"github.com/sliverarmory/rtld/memmod"
	"github.com/sliverarmory/rtld/modimg"
	"github.com/sliverarmory/rtld/module"
)

var ErrNoModules = errors.New("manifest: no modules")

// Address is a 64-bit address written in YAML as an integer or a hex string.
type Address uint64

func (address *Address) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: address must be a scalar", node.Line)
	}
	value, err := strconv.ParseUint(strings.ReplaceAll(node.Value, "_", ""), 0, 64)
	if err != nil {
		return fmt.Errorf("line %d: invalid address %q: %w", node.Line, node.Value, err)
	}
	*address = Address(value)
	return nil
}

func (address Address) MarshalYAML() (any, error) {
	return fmt.Sprintf("%#x", uint64(address)), nil
}

// Image is one shared object and the base it is mapped at.
type Image struct {
	Path string  `yaml:"path"`
	Base Address `yaml:"base"`
}

type State struct {
	AutoLoadList       Address `yaml:"auto_load_list"`
	ManualLoadList     Address `yaml:"manual_load_list"`
	DebugFlag          Address `yaml:"debug_flag"`
	LookupGlobalAuto   Address `yaml:"lookup_global_auto"`
	LookupGlobalManual Address `yaml:"lookup_global_manual"`
}

type Manifest struct {
	Arch       string  `yaml:"arch"`
	Debug      bool    `yaml:"debug"`
	Eager      bool    `yaml:"eager"`
	Trampoline Address `yaml:"trampoline"`
	State      State   `yaml:"state"`
	Loader     *Image  `yaml:"loader,omitempty"`
	Modules    []Image `yaml:"modules"`

	// Dir resolves relative image paths. Load sets it to the manifest's
	// directory.
	Dir string `yaml:"-"`
}

// Placement is a decoded image and where it goes.
type Placement struct {
	Path  string
	Base  uint64
	Image *modimg.Image
}

func Parse(data []byte) (*Manifest, error) {
	var manifest Manifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	if err := manifest.Validate(); err != nil {
		return nil, err
	}
	return &manifest, nil
}

func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	manifest, err := Parse(data)
	if err != nil {
		return nil, err
	}
	manifest.Dir = filepath.Dir(path)
	return manifest, nil
}

func (manifest *Manifest) Validate() error {
	if _, err := module.ArchByName(manifest.Arch); err != nil {
		return fmt.Errorf("manifest: %w", err)
	}
	if len(manifest.Modules) == 0 {
		return ErrNoModules
	}
	for _, image := range manifest.images() {
		if image.Path == "" {
			return fmt.Errorf("manifest: image at %#x has no path", uint64(image.Base))
		}
		if uint64(image.Base)%memmod.PageSize != 0 {
			return fmt.Errorf("manifest: %s: base %#x is not page aligned", image.Path, uint64(image.Base))
		}
	}
	return nil
}

func (manifest *Manifest) images() []Image {
	images := append([]Image(nil), manifest.Modules...)
	if manifest.Loader != nil {
		images = append(images, *manifest.Loader)
	}
	return images
}

func (manifest *Manifest) resolve(path string) string {
	if filepath.IsAbs(path) || manifest.Dir == "" {
		return path
	}
	return filepath.Join(manifest.Dir, path)
}

func (manifest *Manifest) place(image Image) (Placement, error) {
	path := manifest.resolve(image.Path)
	data, err := os.ReadFile(path)
	if err != nil {
		return Placement{}, fmt.Errorf("read image: %w", err)
	}
	decoded, err := modimg.FromELF(data)
	if err != nil {
		return Placement{}, fmt.Errorf("%s: %w", path, err)
	}
	return Placement{Path: path, Base: uint64(image.Base), Image: decoded}, nil
}

// AddressSpace maps the loader and every module. loader is the zero
// Placement when the manifest has none.
func (manifest *Manifest) AddressSpace() (*memmod.AddressSpace, Placement, []Placement, error) {
	space := memmod.New()
	loader, modules, err := manifest.mapImages(space)
	if err != nil {
		_ = space.Close()
		return nil, Placement{}, nil, err
	}
	return space, loader, modules, nil
}

func (manifest *Manifest) mapImages(space *memmod.AddressSpace) (loader Placement, modules []Placement, err error) {
	if manifest.Loader != nil {
		if loader, err = manifest.place(*manifest.Loader); err != nil {
			return Placement{}, nil, err
		}
		if err = loader.Image.Map(space, loader.Base); err != nil {
			return Placement{}, nil, fmt.Errorf("%s: %w", loader.Path, err)
		}
	}
	for _, image := range manifest.Modules {
		placement, err := manifest.place(image)
		if err != nil {
			return Placement{}, nil, err
		}
		if err = placement.Image.Map(space, placement.Base); err != nil {
			return Placement{}, nil, fmt.Errorf("%s: %w", placement.Path, err)
		}
		modules = append(modules, placement)
	}
	return loader, modules, nil
}

// Config returns the linker settings the manifest names. Hooks, logger and
// registerer are left for the caller.
func (manifest *Manifest) Config() (rtld.Config, error) {
	arch, err := module.ArchByName(manifest.Arch)
	if err != nil {
		return rtld.Config{}, err
	}
	return rtld.Config{
		Arch:       arch,
		DebugFlag:  manifest.Debug,
		Eager:      manifest.Eager,
		Trampoline: uint64(manifest.Trampoline),
		State: rtld.StateAddresses{
			AutoLoadList:       uint64(manifest.State.AutoLoadList),
			ManualLoadList:     uint64(manifest.State.ManualLoadList),
			DebugFlag:          uint64(manifest.State.DebugFlag),
			LookupGlobalAuto:   uint64(manifest.State.LookupGlobalAuto),
			LookupGlobalManual: uint64(manifest.State.LookupGlobalManual),
		},
	}, nil
}
