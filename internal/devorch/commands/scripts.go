package commands

import (
	"fmt"
	"strings"
)

// Paths inside the builder container.
const (
	BuildDir = "/kege/build"
	SrcDir   = "/kege/src"
	UIDir    = SrcDir + "/ui"
	DataDir  = "/var/lib/kege"
)

// APIRunScript builds the variant and runs the API in the foreground.
func APIRunScript(variant string) string {
	dir := BuildDir + "/" + variant
	return fmt.Sprintf("ninja -C %s && KEGE_ROOT=%s %s/KEGE", dir, DataDir, dir)
}

// APICleanScript wipes the variant's build directory and reconfigures it.
func APICleanScript(variant string) string {
	dir := BuildDir + "/" + variant
	return fmt.Sprintf("rm -r %s/* && cmake -G Ninja -DCMAKE_BUILD_TYPE=%s "+
		"-DCMAKE_CXX_COMPILER=g++-12 -DCMAKE_C_COMPILER=gcc-12 -S %s/api -B %s",
		dir, capitalize(variant), SrcDir, dir)
}

// UINodeInstallScript installs the UI's node dependencies.
func UINodeInstallScript() string {
	return "cd " + UIDir + " && JOBS=`nproc` npm install"
}

// UIGenProtoScript regenerates the UI's protocol bindings.
func UIGenProtoScript() string {
	return "cd " + UIDir + " && npm run gen-proto"
}

// UIWatchScript runs the bundler in watch mode.
func UIWatchScript() string {
	return "cd " + UIDir + " && npm run watch"
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// DatabaseRunScript runs postgres in the foreground through the image's
// entrypoint.
func DatabaseRunScript() string {
	return "docker-entrypoint.sh postgres"
}
