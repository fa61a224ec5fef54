//go:build linux

package main

const audioBackend = "pulseaudio"
