package memphis

import (
	"crypto/rand"
	"encoding/hex"
	"strconv"
	"strings"
)

const (
	finalSuffix = ".final"
	dlsPrefix   = "$memphis_dls_"
)

// InternalName is the broker-side form of a station, consumer or group
// name.
func InternalName(name string) string {
	return strings.ReplaceAll(strings.ToLower(name), ".", "#")
}

// StationSubject is the data-plane subject for a station, or for one of
// its partitions when partition > 0.
func StationSubject(stationName string, partition int) string {
	base := InternalName(stationName)
	if partition > 0 {
		return base + "$" + strconv.Itoa(partition) + finalSuffix
	}
	return base + finalSuffix
}

func deadLetterSubject(stationName, durable string) string {
	return dlsPrefix + InternalName(stationName) + "_" + InternalName(durable)
}

func registryKey(stationName, name string) string {
	return InternalName(stationName) + "_" + strings.ToLower(name)
}

func randomSuffix(name string) string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return name + "_" + hex.EncodeToString(b)
}
