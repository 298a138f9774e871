package protocol

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// WritePortFile publishes port as UTF-8 decimal text. The file is replaced
// atomically so a reader never observes a truncated value.
func WritePortFile(path string, port uint16) error {
	dir := filepath.Dir(path)
	err := os.MkdirAll(dir, 0o755)
	if err != nil {
		err = fmt.Errorf("failed to create %s, err=%w", dir, err)
		log.Printf("%s", err.Error())
		return err
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		err = fmt.Errorf("failed to create temp port file in %s, err=%w", dir, err)
		log.Printf("%s", err.Error())
		return err
	}
	tmpName := tmp.Name()

	_, err = tmp.WriteString(strconv.FormatUint(uint64(port), 10))
	if err == nil {
		err = tmp.Close()
	} else {
		tmp.Close()
	}
	if err == nil {
		err = os.Rename(tmpName, path)
	}
	if err != nil {
		os.Remove(tmpName)
		err = fmt.Errorf("failed to publish port %d to %s, err=%w", port, path, err)
		log.Printf("%s", err.Error())
		return err
	}

	return nil
}

// ReadPortFile returns the published port, or defaultPort when the file is
// missing, unparseable or out of range.
func ReadPortFile(path string, defaultPort uint16) uint16 {
	data, err := os.ReadFile(path)
	if err != nil {
		log.Printf("port file %s unreadable, using default port %d, err=%s", path, defaultPort, err.Error())
		return defaultPort
	}

	port, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 16)
	if err != nil || port == 0 {
		log.Printf("port file %s holds invalid port %q, using default port %d", path, data, defaultPort)
		return defaultPort
	}

	return uint16(port)
}

func RemovePortFile(path string) {
	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		log.Printf("failed to remove port file %s, err=%s", path, err.Error())
	}
}
