// Package mocks provides test doubles shared across package tests.
package mocks
