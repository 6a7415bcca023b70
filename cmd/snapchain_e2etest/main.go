// cmd/snapchain_e2etest/main.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Based on endtoendtest.go, which is Copyright(c) 2015 Google, Inc., part
// of skicka, and is licensed under the Apache License, Version 2.0.

// End-to-end test of the snapchain binary: a disk file is repeatedly
// modified and imported as a snapshot, "snapchain run" (randomly killed
// and restarted) brings an image up to date, and the image and its latest
// marker are compared with the disk.

package main

import (
	"bytes"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	u "github.com/mmp/snapchain/util"
)

const E2EDir = "/tmp/snapchain_e2e"

var log = u.NewLogger(true /*verbose*/, false /*debug*/)

func main() {
	seed := os.Getpid()
	log.Verbose("Seed %d", seed)
	rand.Seed(int64(seed))

	_ = os.RemoveAll(E2EDir)
	if err := os.Mkdir(E2EDir, 0700); err != nil {
		log.Fatal("%s", err)
	}
	chainTest(randBool(), 20)
}

func randBool() bool {
	return rand.Float32() < .5
}

func expSize() int64 {
	logSize := rand.Intn(22) - 1
	s := int64(0)
	if logSize >= 0 {
		s = 1 << uint(logSize)
		s += rand.Int63n(s)
	}
	return s
}

func getCommand(c string, varargs ...string) *exec.Cmd {
	args := strings.Fields(c)
	cmd := args[0]
	args = args[1:]
	args = append(args, varargs...)
	return exec.Command(cmd, args...)
}

func runCommand(c string, args ...string) ([]byte, error) {
	log.Verbose("Running %s %v", c, args)
	cmd := getCommand(c, args...)
	cmd.Stderr = os.Stderr
	return cmd.Output()
}

func runButPossiblyKill(c string, args ...string) ([]byte, error) {
	log.Verbose("Running %s %v", c, args)
	cmd := getCommand(c, args...)
	cmd.Stderr = os.Stderr
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Start(); err != nil {
		log.Fatal("%s", err)
	}

	killed := false
	if (rand.Int() % 2) == 1 {
		logMs := uint(rand.Intn(12))
		wait := time.Duration(uint(1)<<logMs) * time.Millisecond
		log.Verbose("Will try to kill process in %s", wait)

		time.AfterFunc(wait, func() {
			err := cmd.Process.Kill()
			if err != nil {
				log.Verbose("Kill error! %v", err)
			} else {
				log.Verbose("Killed process sucessfully")
				killed = true
			}
		})
	}

	err := cmd.Wait()
	if err != nil {
		log.Verbose("Wait result %v", err)
	}
	if killed {
		return nil, errKilled
	}
	return out.Bytes(), err
}

var errKilled = errors.New("killed while running")

///////////////////////////////////////////////////////////////////////////

func chainTest(randomlyKill bool, iters int) {
	tmpSrc, err := os.MkdirTemp("", "snapchain-test-src")
	if err != nil {
		log.Fatal("%s", err)
	}
	log.Verbose("Local src directory: %s", tmpSrc)
	defer os.RemoveAll(tmpSrc)

	diskFile := filepath.Join(tmpSrc, "disk.raw")
	size := 1024*1024 + expSize()
	if err := os.WriteFile(diskFile, make([]byte, size), 0600); err != nil {
		log.Fatal("%s", err)
	}
	log.Verbose("%s: disk of %d bytes", diskFile, size)

	generation := 0
	configFile := writeConfig(tmpSrc, generation)
	for i := 0; i < iters; i++ {
		if i > 0 && rand.Intn(10) == 0 {
			// A new generation of the disk starts a new lineage, which
			// needs a new image.
			if _, err := runCommand("snapchain recreate --root " + E2EDir + " --disk d"); err != nil {
				log.Fatal("recreate: %s", err)
			}
			generation++
			configFile = writeConfig(tmpSrc, generation)
		}

		if err := update(diskFile, size); err != nil {
			log.Fatal("%s", err)
		}

		// Both ways of naming the source backend should work.
		backend := "--root " + E2EDir
		if randBool() {
			backend = "--config " + configFile
		}
		cmd := fmt.Sprintf("snapchain import %s --disk d --snapshot s%02d", backend, i)
		full := rand.Intn(8) == 0
		if full {
			// Not part of the lineage; the image must not change.
			cmd += " --full"
		}
		if _, err := runCommand(cmd, diskFile); err != nil {
			log.Fatal("import: %s", err)
		}
		if full {
			continue
		}

		img := imageName(generation)
		if err := run(configFile, img, randomlyKill); err != nil {
			log.Fatal("run: %s", err)
		}
		if err := compare(diskFile, img); err != nil {
			log.Fatal("%s", err)
		}
		if _, err := runCommand("snapchain verify --root " + E2EDir); err != nil {
			log.Fatal("verify: %s", err)
		}
	}
}

func imageName(generation int) string {
	return fmt.Sprintf("img%d", generation)
}

func writeConfig(dir string, generation int) string {
	parity := 0
	if randBool() {
		parity = 1 + rand.Intn(3)
	}
	cfg := fmt.Sprintf(`source:
  type: disk
  root: %s
destination:
  type: disk
  root: %s
  data_shards: %d
  parity_shards: %d
pipeline:
  disk: d
  image: %s
  chunk_size: %d
  concurrency: %d
`, E2EDir, E2EDir, 1+rand.Intn(20), parity, imageName(generation),
		4096*(1+rand.Intn(1024)), 1+rand.Intn(16))

	fn := filepath.Join(dir, fmt.Sprintf("config%d.yaml", generation))
	if err := os.WriteFile(fn, []byte(cfg), 0600); err != nil {
		log.Fatal("%s", err)
	}
	log.Verbose("%s:\n%s", fn, cfg)
	return fn
}

// update writes random bytes to and zeroes random regions of the disk.
func update(fn string, size int64) error {
	f, err := os.OpenFile(fn, os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	defer f.Close()

	for n := rand.Intn(8); n >= 0; n-- {
		offset := rand.Int63n(size)
		length := expSize()
		if offset+length > size {
			length = size - offset
		}
		b := make([]byte, length)
		if randBool() {
			_, _ = rand.Read(b)
			log.Verbose("%s: wrote %d bytes at offset %d", fn, length, offset)
		} else {
			log.Verbose("%s: zeroed %d bytes at offset %d", fn, length, offset)
		}
		if _, err := f.WriteAt(b, offset); err != nil {
			return err
		}
	}
	return f.Sync()
}

func run(configFile, img string, randomlyKill bool) error {
	log.Verbose("Starting run")
	for {
		cmd := "snapchain run -v --config " + configFile
		var err error
		if randomlyKill {
			_, err = runButPossiblyKill(cmd)
		} else {
			_, err = runCommand(cmd)
		}

		if err != errKilled {
			return err
		}
		if err := removeOrphanMarkers(img); err != nil {
			return err
		}
	}
}

// removeOrphanMarkers removes marker files that a killed run left behind
// before recording them in the catalog.
func removeOrphanMarkers(img string) error {
	out, err := runCommand("snapchain markers --root " + E2EDir + " --image " + img)
	if err != nil {
		return err
	}
	known := make(map[string]bool)
	for _, line := range strings.Split(string(out), "\n") {
		if f := strings.Fields(line); len(f) > 0 {
			known[f[0]] = true
		}
	}

	dir := filepath.Join(E2EDir, "markers", img)
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil
	} else if err != nil {
		return err
	}
	for _, e := range entries {
		id := strings.TrimSuffix(strings.TrimSuffix(e.Name(), ".rs"), ".img")
		if !known[id] {
			log.Verbose("Removing %s", e.Name())
			if err := os.Remove(filepath.Join(dir, e.Name())); err != nil {
				return err
			}
		}
	}
	return nil
}

// compare checks the image and its most recent marker against the disk.
func compare(diskFile, img string) error {
	out, err := runCommand("snapchain markers --root " + E2EDir + " --image " + img)
	if err != nil {
		return err
	}
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	f := strings.Fields(lines[len(lines)-1])
	if len(f) == 0 {
		return fmt.Errorf("%s: no markers", img)
	}
	latest := f[len(f)-1]

	mismatches := 0
	for _, fn := range []string{filepath.Join(E2EDir, "images", img+".img"), latest} {
		cmp := exec.Command("cmp", diskFile, fn)
		if err := cmp.Run(); err != nil {
			log.Verbose("%s and %s differ", diskFile, fn)
			mismatches++
		}
	}
	if mismatches > 0 {
		return fmt.Errorf("%d file mismatches", mismatches)
	}
	return nil
}
