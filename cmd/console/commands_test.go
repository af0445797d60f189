package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"token_console/internal/model"
	"token_console/internal/registry"
)

func TestPrintTable(t *testing.T) {
	ts := &model.Timestamp{Time: time.Date(2026, 3, 4, 5, 6, 7, 0, time.Local)}
	st := registry.State{
		Page: 1, PageSize: 15, Pages: 1, Total: 2,
		Items: []model.TokenRecord{
			{ID: 1, Account: "amy", Enable: 1, Count: 3, UpdatedAt: ts},
			{ID: 2, Account: "ben", Enable: 0, AccountType: "plus"},
		},
	}
	var buf bytes.Buffer
	printTable(&buf, st)
	out := buf.String()

	lines := strings.Split(strings.TrimSpace(out), "\n")
	assert.Len(t, lines, 4)
	assert.Contains(t, lines[1], "启用")
	assert.Contains(t, lines[1], "2026-03-04 05:06:07")
	assert.Contains(t, lines[2], "禁用")
	assert.Contains(t, lines[2], "plus")
	assert.Contains(t, lines[3], "共 2 条，第 1/1 页，每页 15 条")
}

func TestPrinter(t *testing.T) {
	var buf bytes.Buffer
	p := &printer{out: &buf}
	p.Success("好")
	p.Error("坏")
	p.Info("看")
	assert.Equal(t, "✓ 好\n✗ 坏\ni 看\n", buf.String())
}
