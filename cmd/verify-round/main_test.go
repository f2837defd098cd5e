package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"tonrody/internal/rounds"

	"github.com/stretchr/testify/require"
)

func sampleProof(t *testing.T) rounds.Proof {
	t.Helper()
	c, err := rounds.NewCommitment("L1", 1)
	require.NoError(t, err)
	seats := []rounds.ProofSeat{
		{SeatID: "s0", SeatIndex: 0, Wallet: "EQa"},
		{SeatID: "s2", SeatIndex: 2, Wallet: "EQc"},
		{SeatID: "s5", SeatIndex: 5, Wallet: "EQf"},
	}
	idx, err := rounds.WinnerIndex(c.RoundHash, c.Seed, len(seats))
	require.NoError(t, err)
	return rounds.Proof{
		LobbyID:      "L1",
		RoundID:      "R1",
		Number:       1,
		RoundHash:    c.RoundHash,
		SeedCommit:   c.Commit,
		SeedReveal:   c.Seed,
		PaidSeats:    seats,
		WinnerIndex:  &idx,
		WinnerSeatID: seats[idx].SeatID,
		Finalized:    true,
	}
}

func TestVerifyAcceptsHonestRound(t *testing.T) {
	p := sampleProof(t)
	r := verify(p)
	require.True(t, r.ok())
	require.Equal(t, *p.WinnerIndex, r.ComputedIndex)
	require.Equal(t, p.WinnerSeatID, r.WinnerSeatID)
}

func TestVerifyDetectsWrongWinner(t *testing.T) {
	p := sampleProof(t)
	wrong := (*p.WinnerIndex + 1) % len(p.PaidSeats)
	p.WinnerIndex = &wrong
	r := verify(p)
	require.True(t, r.CommitOK)
	require.False(t, r.IndexMatches)
	require.False(t, r.ok())
}

func TestVerifyFallsBackToSeatID(t *testing.T) {
	p := sampleProof(t)
	p.WinnerIndex = nil
	require.True(t, verify(p).ok())

	p.WinnerSeatID = "nope"
	require.False(t, verify(p).ok())
}

func TestVerifyDetectsSeedTampering(t *testing.T) {
	p := sampleProof(t)
	flip := byte('0')
	if p.SeedReveal[0] == '0' {
		flip = '1'
	}
	p.SeedReveal = string(flip) + p.SeedReveal[1:]
	require.False(t, verify(p).CommitOK)
}

func TestVerifyWithoutPaidSeats(t *testing.T) {
	p := sampleProof(t)
	p.PaidSeats = nil
	r := verify(p)
	require.ErrorIs(t, r.ComputeErr, rounds.ErrNoPaidSeats)
	require.False(t, r.ok())
}

func TestFetchProof(t *testing.T) {
	p := sampleProof(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/rounds/R1/proof" {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":"round_not_found"}`))
			return
		}
		_ = json.NewEncoder(w).Encode(p)
	}))
	defer srv.Close()

	got, err := fetchProof(context.Background(), srv.Client(), srv.URL+"/", "R1")
	require.NoError(t, err)
	require.Equal(t, p.SeedCommit, got.SeedCommit)
	require.Len(t, got.PaidSeats, 3)

	_, err = fetchProof(context.Background(), srv.Client(), srv.URL, "R2")
	require.ErrorContains(t, err, "round_not_found")
}

func TestReadProof(t *testing.T) {
	p := sampleProof(t)
	raw, err := json.Marshal(p)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "proof.json")
	require.NoError(t, os.WriteFile(path, raw, 0o600))

	got, err := readProof(path)
	require.NoError(t, err)
	require.True(t, verify(got).ok())
}
