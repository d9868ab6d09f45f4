package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

// useBufferWriters 把 stdOut/stdErr 换成内存缓冲，测试结束后还原。
func useBufferWriters(t *testing.T) {
	t.Helper()

	prevOut, prevErr := stdOut, stdErr
	stdOut, stdErr = &bytes.Buffer{}, &bytes.Buffer{}
	t.Cleanup(func() {
		stdOut, stdErr = prevOut, prevErr
	})
}

func stdOutBuffer() *bytes.Buffer {
	buf, _ := stdOut.(*bytes.Buffer)
	return buf
}

func stdErrBuffer() *bytes.Buffer {
	buf, _ := stdErr.(*bytes.Buffer)
	return buf
}

// configFixture 返回 internal/config/testdata 下的配置样例路径。
// go test 以包目录为工作目录运行，根包即模块根目录。
func configFixture(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join("internal", "config", "testdata", name)
	if _, err := os.Stat(filepath.Dir(path)); err != nil {
		t.Fatalf("无法定位配置样例目录: %v", err)
	}
	return path
}
