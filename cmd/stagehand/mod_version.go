package main

import "runtime/debug"

func init() {
	if info, available := debug.ReadBuildInfo(); available {
		if Version == "dev" {
			Version = info.Main.Version
		}
	}
}
