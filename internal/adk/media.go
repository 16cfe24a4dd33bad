package adk

import (
	"context"

	"github.com/cochaviz/peforge/internal/process"
)

// MakeWinPEMedia drives the high-level media authoring script.
type MakeWinPEMedia struct {
	Path   string
	Runner process.Runner
	Env    []string
}

// ISO writes a bootable ISO of workDir to output.
func (m *MakeWinPEMedia) ISO(ctx context.Context, workDir, output string) (process.Result, error) {
	return run(ctx, m.Runner, "makewinpemedia.iso", process.Command{
		Path:  m.Path,
		Args:  []string{"/ISO", workDir, output},
		Env:   m.Env,
		Class: process.Media,
	})
}

// UFD formats drive and writes workDir onto it without prompting.
func (m *MakeWinPEMedia) UFD(ctx context.Context, workDir, drive string) (process.Result, error) {
	return run(ctx, m.Runner, "makewinpemedia.ufd", process.Command{
		Path:  m.Path,
		Args:  []string{"/UFD", "/F", workDir, drive},
		Env:   m.Env,
		Class: process.Bulk,
	})
}

// Oscdimg drives the low-level ISO mastering tool.
type Oscdimg struct {
	Path   string
	Runner process.Runner
}

// Master writes source to output with the given flags and boot-record argument.
func (o *Oscdimg) Master(ctx context.Context, source, output string, flags []string, bootArg string) (process.Result, error) {
	args := append([]string(nil), flags...)
	if bootArg != "" {
		args = append(args, bootArg)
	}
	args = append(args, source, output)
	return run(ctx, o.Runner, "oscdimg", process.Command{
		Path:  o.Path,
		Args:  args,
		Class: process.Media,
	})
}

// BCDEdit drives the boot configuration editor.
type BCDEdit struct {
	Path   string
	Runner process.Runner
}

// CreateStore creates an empty store file at path.
func (b *BCDEdit) CreateStore(ctx context.Context, path string) (process.Result, error) {
	return run(ctx, b.Runner, "bcdedit.createstore", process.Command{
		Path:  b.Path,
		Args:  []string{"/createstore", path},
		Class: process.Servicing,
	})
}

// AddBootEntry adds one boot-sector application entry to store.
func (b *BCDEdit) AddBootEntry(ctx context.Context, store, description string) (process.Result, error) {
	return run(ctx, b.Runner, "bcdedit.create", process.Command{
		Path:  b.Path,
		Args:  []string{"/store", store, "/create", "/d", description, "/application", "bootsector"},
		Class: process.Servicing,
	})
}
