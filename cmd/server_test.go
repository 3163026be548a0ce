// Copyright 2026 KeepFS Authors
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildCodec_EncryptsByDefault(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	cdc, err := buildCodec(dir, "", false)
	require.NoError(t, err)
	assert.True(t, cdc.Encrypts(), "an out-of-the-box server must encrypt chunks")

	keyFile := filepath.Join(dir, "chunk.key")
	info, err := os.Stat(keyFile)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestBuildCodec_GeneratedKeySurvivesRestart(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	first, err := buildCodec(dir, "", false)
	require.NoError(t, err)
	second, err := buildCodec(dir, "", false)
	require.NoError(t, err)

	// Chunks sealed before a restart must still open after it.
	data := []byte("survives a process restart")
	chunks, err := first.Split(data, 1024)
	require.NoError(t, err)
	got, err := second.Assemble(chunks)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestBuildCodec_PlaintextOptOut(t *testing.T) {
	t.Parallel()

	cdc, err := buildCodec(t.TempDir(), "", true)
	require.NoError(t, err)
	assert.False(t, cdc.Encrypts())
}

func TestBuildCodec_ExplicitKeyWins(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	hexKey := "000102030405060708090a0b0c0d0e0f000102030405060708090a0b0c0d0e0f"
	cdc, err := buildCodec(dir, hexKey, false)
	require.NoError(t, err)
	assert.True(t, cdc.Encrypts())

	// No key file is written when the key is configured.
	_, err = os.Stat(filepath.Join(dir, "chunk.key"))
	assert.True(t, os.IsNotExist(err))

	_, err = buildCodec(dir, "not-hex", false)
	assert.Error(t, err)
}
