package driver

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckVersionAcceptsAtOrAboveExpected(t *testing.T) {
	b := NewFakeBackend()
	s := New(b)
	require.NoError(t, s.CheckVersion())
}

func TestCheckVersionRejectsOldMajor(t *testing.T) {
	b := NewFakeBackend()
	b.Version = Version{Major: 1, Minor: 9}
	s := New(b)
	err := s.CheckVersion()
	var uv *UnsupportedDriver
	assert.ErrorAs(t, err, &uv)
}

func TestClaimSucceedsImmediately(t *testing.T) {
	b := NewFakeBackend()
	s := New(b)
	spec := ClaimSpec{BusID: "1-2", VendorID: 0x1234, ProductID: 0x5678}

	claimed, err := s.Claim(context.Background(), spec)
	require.NoError(t, err)
	assert.Equal(t, "1-2", claimed.BusID)
	assert.Equal(t, 1, b.FilterCount())

	require.NoError(t, claimed.Release())
	assert.Equal(t, 0, b.FilterCount())
}

func TestClaimRetriesUntilReEnumerated(t *testing.T) {
	b := NewFakeBackend()
	b.ReEnumerateAfter = 2
	s := New(b)
	spec := ClaimSpec{BusID: "1-3"}

	start := time.Now()
	claimed, err := s.Claim(context.Background(), spec)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
	require.NoError(t, claimed.Release())
}

func TestAddFilterRejection(t *testing.T) {
	b := NewFakeBackend()
	b.AddFilterRc = 5
	s := New(b)
	_, err := s.Claim(context.Background(), ClaimSpec{BusID: "1-4"})
	var fr *FilterRejected
	require.ErrorAs(t, err, &fr)
	assert.Equal(t, int32(5), fr.Rc)
}

func TestClaimNotClaimableReleasesToken(t *testing.T) {
	b := NewFakeBackend()
	b.ClaimRc = 1
	s := New(b)
	_, err := s.Claim(context.Background(), ClaimSpec{BusID: "1-5"})
	var nc *NotClaimable
	require.ErrorAs(t, err, &nc)
	// the token handed out by the first poll must be released.
	assert.True(t, b.released[Handle(1)])
	// filter must be torn down on a failed claim.
	assert.Equal(t, 0, b.FilterCount())
}

func TestDoubleReleaseIsSafe(t *testing.T) {
	b := NewFakeBackend()
	s := New(b)
	claimed, err := s.Claim(context.Background(), ClaimSpec{BusID: "1-6"})
	require.NoError(t, err)
	require.NoError(t, claimed.Release())
	require.NoError(t, claimed.Release())
}
