// Package buildsys runs the developer tasks declared in a Starlark task file. Task
// commands are executed by the mvdan.cc/sh interpreter so the same file works on every
// platform with a Go toolchain.
package buildsys
