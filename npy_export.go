package daqstream

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/sbinet/npyio"
)

// SnapshotFilename is the name of the .npy file holding one channel of a snapshot.
func SnapshotFilename(prefix string, channel int) string {
	return fmt.Sprintf("%s_ch%d.npy", prefix, channel)
}

// WriteSnapshot stores each trace as a float64 .npy array in dir, one file per
// channel, and returns the paths written.
func WriteSnapshot(dir, prefix string, channelIDs []int, traces [][]float64) ([]string, error) {
	if len(channelIDs) != len(traces) {
		return nil, fmt.Errorf("have %d channel ids for %d traces", len(channelIDs), len(traces))
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	paths := make([]string, 0, len(traces))
	for i, trace := range traces {
		path := filepath.Join(dir, SnapshotFilename(prefix, channelIDs[i]))
		if err := writeNpy(path, trace); err != nil {
			return paths, fmt.Errorf("channel %d: %w", channelIDs[i], err)
		}
		paths = append(paths, path)
	}
	return paths, nil
}

func writeNpy(path string, data []float64) error {
	fp, err := os.Create(path)
	if err != nil {
		return err
	}
	if data == nil {
		data = []float64{}
	}
	if err := npyio.Write(fp, data); err != nil {
		fp.Close()
		return err
	}
	return fp.Close()
}

// ReadSnapshotChannel loads one channel written by WriteSnapshot.
func ReadSnapshotChannel(path string) ([]float64, error) {
	fp, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fp.Close()
	var data []float64
	if err := npyio.Read(fp, &data); err != nil {
		return nil, err
	}
	return data, nil
}
