package sso

import (
	"bufio"
	"bytes"
	_ "embed"
	"io"
	"strings"
	"sync"

	"github.com/klauspost/compress/gzip"
)

//go:embed data/common-passwords.txt.gz
var commonPasswordsFile []byte

var (
	commonPasswordsOnce sync.Once
	commonPasswords     map[string]struct{}
)

// CommonPasswords returns the embedded list of passwords the policy rejects.
func CommonPasswords() map[string]struct{} {
	commonPasswordsOnce.Do(func() {
		raw, err := gunzip(commonPasswordsFile)
		if err != nil {
			panic("sso: corrupt embedded password list: " + err.Error())
		}
		commonPasswords = parsePasswordList(raw)
	})
	return commonPasswords
}

func gunzip(data []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(zr)
}

func parsePasswordList(raw []byte) map[string]struct{} {
	out := map[string]struct{}{}
	scanner := bufio.NewScanner(bytes.NewReader(raw))
	for scanner.Scan() {
		line := strings.ToLower(strings.TrimSpace(scanner.Text()))
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out[line] = struct{}{}
	}
	return out
}
