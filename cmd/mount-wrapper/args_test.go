package main

import (
	"slices"
	"testing"
)

func TestParseMountArgs(t *testing.T) {
	inv := parseMountArgs([]string{"-t", "ext4", "-o", "loop,ro", "/tmp/disk.img", "/mnt"})

	if inv.source != "/tmp/disk.img" || inv.target != "/mnt" {
		t.Errorf("source=%q target=%q", inv.source, inv.target)
	}
	if !slices.Equal(inv.flags, []string{"-t", "ext4"}) {
		t.Errorf("flags = %v", inv.flags)
	}
	if !inv.hasOption("loop") || !inv.hasOption("ro") {
		t.Errorf("opts = %+v", inv.opts)
	}
}

func TestParseMountArgsGluedOptions(t *testing.T) {
	inv := parseMountArgs([]string{"-oloop,offset=1048576", "/tmp/disk.img", "/mnt"})

	if !inv.hasOption("loop") {
		t.Error("glued -o options not parsed")
	}
	if got := inv.option("offset"); got != "1048576" {
		t.Errorf("offset = %q", got)
	}
}

func TestParseMountArgsNoOptions(t *testing.T) {
	inv := parseMountArgs([]string{"/dev/sda1", "/mnt"})

	if inv.hasOption("loop") {
		t.Error("unexpected loop option")
	}
	if inv.source != "/dev/sda1" || inv.target != "/mnt" {
		t.Errorf("source=%q target=%q", inv.source, inv.target)
	}
}

func TestRebuildOptions(t *testing.T) {
	tests := []struct {
		name    string
		spec    string
		exclude []string
		want    string
	}{
		{
			name:    "strip loop keep rest",
			spec:    "loop,ro,noatime",
			exclude: []string{"loop"},
			want:    "ro,noatime",
		},
		{
			name:    "strip valued options",
			spec:    "loop,offset=1048576,sizelimit=2097152,ro",
			exclude: []string{"loop", "offset", "sizelimit"},
			want:    "ro",
		},
		{
			name:    "order preserved",
			spec:    "noatime,ro,nodev",
			exclude: nil,
			want:    "noatime,ro,nodev",
		},
		{
			name:    "everything stripped",
			spec:    "loop",
			exclude: []string{"loop"},
			want:    "",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			inv := &mountInvocation{}
			inv.addOptions(tc.spec)
			if got := inv.rebuildOptions(tc.exclude...); got != tc.want {
				t.Errorf("rebuildOptions = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestFlagsWithValueStayPaired(t *testing.T) {
	inv := parseMountArgs([]string{"-L", "rootdisk", "/mnt"})

	if !slices.Equal(inv.flags, []string{"-L", "rootdisk"}) {
		t.Errorf("flags = %v", inv.flags)
	}
	if inv.source != "/mnt" {
		t.Errorf("source = %q", inv.source)
	}
}
