//go:build !linux

package main

const audioBackend = "miniaudio"
