package util

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net"
	"net/http"
	"reflect"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/handlers"
	"github.com/sirupsen/logrus"
)

const (
	randomIDLenth = 8
)

type filteredLoggingHandler struct {
	filteredPaths  map[string]struct{}
	handler        http.Handler
	loggingHandler http.Handler
}

func FilteredLoggingHandler(filteredPaths map[string]struct{}, writer io.Writer, router http.Handler) http.Handler {
	return filteredLoggingHandler{
		filteredPaths:  filteredPaths,
		handler:        router,
		loggingHandler: handlers.CombinedLoggingHandler(writer, router),
	}
}

func (h filteredLoggingHandler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case "GET":
		if _, exists := h.filteredPaths[req.URL.Path]; exists {
			h.handler.ServeHTTP(w, req)
			return
		}
	}
	h.loggingHandler.ServeHTTP(w, req)
}

// ParseAddress splits "tcp://host:port", "unix:///path" or a bare "host:port"
// into a network and an address for net.Listen/net.Dial.
func ParseAddress(address string) (string, string, error) {
	switch {
	case strings.HasPrefix(address, "unix://"):
		return "unix", strings.TrimPrefix(address, "unix://"), nil
	case strings.HasPrefix(address, "tcp://"):
		address = strings.TrimPrefix(address, "tcp://")
	}
	if _, _, err := net.SplitHostPort(address); err != nil {
		return "", "", fmt.Errorf("invalid address %s : couldn't find host and port", address)
	}
	return "tcp", address, nil
}

func GetFunctionName(i interface{}) string {
	return runtime.FuncForPC(reflect.ValueOf(i).Pointer()).Name()
}

func UUID() string {
	return uuid.New().String()
}

func RandomID() string {
	return UUID()[:randomIDLenth]
}

// RandomKey returns a non-zero 64-bit key taken from a random UUID.
func RandomKey() uint64 {
	for {
		id := uuid.New()
		if key := binary.LittleEndian.Uint64(id[:8]); key != 0 {
			return key
		}
	}
}

var letterRunes = []rune("abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ")

func RandStringRunes(n int) string {
	b := make([]rune, n)
	for i := range b {
		b[i] = letterRunes[rand.Intn(len(letterRunes))]
	}
	return string(b)
}

func Bench(benchType string, thread int, size int64, writeAt, readAt func([]byte, int64) (int, error)) (output string, err error) {
	benchTypeInList := strings.Split(benchType, "-")
	if len(benchTypeInList) != 3 ||
		(benchTypeInList[0] != "seq" && benchTypeInList[0] != "rand") ||
		(benchTypeInList[1] != "iops" && benchTypeInList[1] != "bandwidth" && benchTypeInList[1] != "latency") ||
		(benchTypeInList[2] != "read" && benchTypeInList[2] != "write") {
		return "", fmt.Errorf("invalid bench type %s", benchType)
	}

	if thread != 1 && strings.Contains(benchType, "-latency-") {
		logrus.Warnf("Using single thread for latency related benchmark")
		thread = 1
	}

	blockSize := 4096 // 4KB
	if strings.Contains(benchType, "-bandwidth-") {
		blockSize = 1 << 20 // 1MB
	}

	var duration time.Duration

	// Prepare data before read
	if benchTypeInList[2] == "read" {
		// Typically 4-thread write is enough
		if _, err := dataIOWithMultipleThread(false, 4, 1<<20, size, writeAt); err != nil {
			return "", err
		}

		if duration, err = dataIOWithMultipleThread(benchTypeInList[0] == "rand", thread, blockSize, size, readAt); err != nil {
			return "", err
		}
	}

	if benchTypeInList[2] == "write" {
		if duration, err = dataIOWithMultipleThread(benchTypeInList[0] == "rand", thread, blockSize, size, writeAt); err != nil {
			return "", err
		}
	}

	switch benchTypeInList[1] {
	case "iops":
		res := int(float64(size) / float64(blockSize) / float64(duration) * 1000000000)
		output = fmt.Sprintf("device %s %v/s, size %v, duration %vs, thread count %v", benchType, res, size, duration.Seconds(), thread)
	case "bandwidth":
		res := int(float64(size) / float64(duration) * 1000000000 / float64(1<<10))
		output = fmt.Sprintf("device %s %vKB/s, size %v, duration %vs, thread count %v", benchType, res, size, duration.Seconds(), thread)
	case "latency":
		res := float64(duration) / 1000 / (float64(size) / float64(blockSize))
		output = fmt.Sprintf("device %s %.2fus, size %v, duration %vs, thread count %v", benchType, res, size, duration.Seconds(), thread)
	}
	return output, nil
}

func dataIOWithMultipleThread(isRandomIO bool, thread, blockSize int, size int64, ioAt func([]byte, int64) (int, error)) (duration time.Duration, err error) {
	lock := sync.Mutex{}

	chunkSize := int(math.Ceil(float64(size) / float64(thread)))
	chunkBlocks := int(math.Ceil(float64(chunkSize) / float64(blockSize)))
	var sequenceList []int
	if isRandomIO {
		sequenceList = make([]int, chunkBlocks)
		for i := 0; i < chunkBlocks; i++ {
			sequenceList[i] = i
		}
		rand.Shuffle(chunkBlocks, func(i, j int) { sequenceList[i], sequenceList[j] = sequenceList[j], sequenceList[i] })
	}

	if chunkSize < blockSize {
		return 0, fmt.Errorf("the io thread count is too much so that each thread cannot operate a single block")
	}

	wg := sync.WaitGroup{}
	wg.Add(thread)

	startTime := time.Now()
	defer func() {
		duration = time.Since(startTime)
	}()

	for i := 0; i < thread; i++ {
		idx := i
		go func() {
			defer wg.Done()

			// Ignore this randomly generate data if the ioAt is readAt
			blockBytes := []byte(RandStringRunes(blockSize))

			start := int64(idx) * int64(chunkSize)
			end := int64(idx+1) * int64(chunkSize)
			if end > size {
				end = size
			}
			offset := start
			for cnt := 0; cnt < chunkBlocks; cnt++ {
				if isRandomIO {
					offset = start + int64(sequenceList[cnt]*blockSize)
					if offset+int64(blockSize) > end {
						offset = end - int64(blockSize)
					}
				} else {
					offset = start + int64(cnt*blockSize)
					if offset >= end {
						break
					}
					if offset+int64(blockSize) > end {
						blockBytes = blockBytes[:end-offset]
					}
				}
				if _, ioErr := ioAt(blockBytes, offset); ioErr != nil {
					lock.Lock()
					err = ioErr
					lock.Unlock()
					return
				}
			}
		}()
	}
	wg.Wait()

	return
}
