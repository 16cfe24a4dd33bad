package adk

import (
	"context"
	"reflect"
	"testing"

	"github.com/cochaviz/peforge/arch"
	"github.com/cochaviz/peforge/internal/fault"
	"github.com/cochaviz/peforge/internal/process"
	"github.com/cochaviz/peforge/internal/process/processtest"
)

func TestDISMArguments(t *testing.T) {
	t.Parallel()

	runner := &processtest.Runner{}
	dism := &DISM{Path: "dism.exe", Runner: runner}
	ctx := context.Background()

	cases := []struct {
		name string
		call func() error
		want []string
	}{
		{
			name: "mount",
			call: func() error { _, err := dism.Mount(ctx, `C:\ws\boot.wim`, 1, `C:\ws\mount`); return err },
			want: []string{"/English", "/Mount-Wim", `/WimFile:C:\ws\boot.wim`, "/Index:1", `/MountDir:C:\ws\mount`},
		},
		{
			name: "unmount commit",
			call: func() error { _, err := dism.Unmount(ctx, `C:\ws\mount`, true); return err },
			want: []string{"/English", "/Unmount-Wim", `/MountDir:C:\ws\mount`, "/Commit"},
		},
		{
			name: "unmount discard",
			call: func() error { _, err := dism.Unmount(ctx, `C:\ws\mount`, false); return err },
			want: []string{"/English", "/Unmount-Wim", `/MountDir:C:\ws\mount`, "/Discard"},
		},
		{
			name: "add driver recurse",
			call: func() error { _, err := dism.AddDriver(ctx, "m", "drivers", true, true); return err },
			want: []string{"/English", "/Image:m", "/Add-Driver", "/Driver:drivers", "/Recurse", "/ForceUnsigned"},
		},
		{
			name: "scratch space",
			call: func() error { _, err := dism.SetScratchSpace(ctx, "m", 256); return err },
			want: []string{"/English", "/Image:m", "/Set-ScratchSpace:256"},
		},
	}

	for _, tc := range cases {
		if err := tc.call(); err != nil {
			t.Fatalf("%s: unexpected error %v", tc.name, err)
		}
		calls := runner.Calls()
		got := calls[len(calls)-1]
		if !reflect.DeepEqual(got.Args, tc.want) {
			t.Fatalf("%s: args = %v, want %v", tc.name, got.Args, tc.want)
		}
		if got.Class != process.Servicing || !got.Capture {
			t.Fatalf("%s: expected captured servicing call", tc.name)
		}
	}
}

func TestNonZeroExitBecomesProcessFailure(t *testing.T) {
	t.Parallel()

	runner := &processtest.Runner{Handler: func(process.Command) (process.Result, error) {
		return processtest.Fail(87, "Error: 87"), nil
	}}
	dism := &DISM{Path: "dism.exe", Runner: runner}

	_, err := dism.Remount(context.Background(), "m")
	if !fault.Is(err, fault.ProcessFailure) {
		t.Fatalf("expected ProcessFailure, got %v", err)
	}
}

func TestCopyPEUsesBulkClass(t *testing.T) {
	t.Parallel()

	runner := &processtest.Runner{}
	copype := &CopyPE{Path: "copype.cmd", Runner: runner, Env: []string{"WinPERoot=C:\\PE"}}
	if _, err := copype.Create(context.Background(), arch.AMD64, `C:\ws\winpe`); err != nil {
		t.Fatalf("Create: %v", err)
	}
	call := runner.Calls()[0]
	if call.Class != process.Bulk {
		t.Fatalf("class = %s, want bulk", call.Class)
	}
	if !reflect.DeepEqual(call.Args, []string{"amd64", `C:\ws\winpe`}) {
		t.Fatalf("args = %v", call.Args)
	}
}

func TestOscdimgArgumentOrder(t *testing.T) {
	t.Parallel()

	runner := &processtest.Runner{}
	oscdimg := &Oscdimg{Path: "oscdimg.exe", Runner: runner}
	_, err := oscdimg.Master(context.Background(), "src", "out.iso", []string{"-m", "-o"}, "-bootdata:2#p0,e,bBoot\\etfsboot.com")
	if err != nil {
		t.Fatalf("Master: %v", err)
	}
	want := []string{"-m", "-o", "-bootdata:2#p0,e,bBoot\\etfsboot.com", "src", "out.iso"}
	if got := runner.Calls()[0].Args; !reflect.DeepEqual(got, want) {
		t.Fatalf("args = %v, want %v", got, want)
	}
}

func TestBCDEditEntry(t *testing.T) {
	t.Parallel()

	runner := &processtest.Runner{}
	bcd := &BCDEdit{Path: "bcdedit.exe", Runner: runner}
	if _, err := bcd.AddBootEntry(context.Background(), "store.tmp", "Windows PE"); err != nil {
		t.Fatalf("AddBootEntry: %v", err)
	}
	want := []string{"/store", "store.tmp", "/create", "/d", "Windows PE", "/application", "bootsector"}
	if got := runner.Calls()[0].Args; !reflect.DeepEqual(got, want) {
		t.Fatalf("args = %v, want %v", got, want)
	}
}
