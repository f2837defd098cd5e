package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"tonrody/internal/config"
	"tonrody/internal/rounds"

	_ "github.com/joho/godotenv/autoload"
	"github.com/pterm/pterm"
)

// report is the outcome of recomputing one round.
type report struct {
	CommitOK      bool
	ComputedIndex int
	ComputeErr    error
	IndexMatches  bool
	WinnerSeatID  string
}

func (r report) ok() bool {
	return r.CommitOK && r.ComputeErr == nil && r.IndexMatches
}

func main() {
	roundID := flag.String("round", "", "round id to fetch from the server")
	baseURL := flag.String("url", "", "server base url (defaults to VERIFY_BASE_URL)")
	file := flag.String("file", "", "read the proof from a json file instead of the server")
	seed := flag.String("seed", "", "override the revealed seed")
	flag.Parse()

	if *roundID == "" && *file == "" {
		fmt.Fprintf(os.Stderr, "usage: %s -round <id> [-url <base>] | -file <proof.json> [-seed <hex>]\n", os.Args[0])
		os.Exit(2)
	}

	var (
		p   rounds.Proof
		err error
	)
	if *file != "" {
		p, err = readProof(*file)
	} else {
		base := *baseURL
		if base == "" {
			cfg, cerr := config.LoadVerify()
			if cerr != nil {
				pterm.Fatal.Println(cerr)
			}
			base = cfg.BaseURL
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		p, err = fetchProof(ctx, http.DefaultClient, base, *roundID)
		cancel()
	}
	if err != nil {
		pterm.Fatal.Println(err)
	}
	if *seed != "" {
		p.SeedReveal = *seed
	}
	if p.SeedReveal == "" {
		pterm.Warning.Printfln("round %s has not revealed its seed yet", p.RoundID)
		os.Exit(1)
	}

	r := verify(p)
	render(p, r)
	if !r.ok() {
		os.Exit(1)
	}
}

func readProof(path string) (rounds.Proof, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return rounds.Proof{}, err
	}
	var p rounds.Proof
	if err := json.Unmarshal(raw, &p); err != nil {
		return rounds.Proof{}, fmt.Errorf("decode %s: %w", path, err)
	}
	return p, nil
}

func fetchProof(ctx context.Context, client *http.Client, base, roundID string) (rounds.Proof, error) {
	endpoint := strings.TrimRight(base, "/") + "/api/rounds/" + url.PathEscape(roundID) + "/proof"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return rounds.Proof{}, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return rounds.Proof{}, fmt.Errorf("fetch proof: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		var body struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&body)
		return rounds.Proof{}, fmt.Errorf("fetch proof: status %d %s", resp.StatusCode, body.Error)
	}
	var p rounds.Proof
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		return rounds.Proof{}, fmt.Errorf("decode proof: %w", err)
	}
	return p, nil
}

func verify(p rounds.Proof) report {
	r := report{CommitOK: rounds.VerifyReveal(p.SeedReveal, p.SeedCommit), ComputedIndex: -1}
	idx, err := rounds.WinnerIndex(p.RoundHash, p.SeedReveal, len(p.PaidSeats))
	if err != nil {
		r.ComputeErr = err
		return r
	}
	r.ComputedIndex = idx
	r.WinnerSeatID = p.PaidSeats[idx].SeatID
	switch {
	case p.WinnerIndex != nil:
		r.IndexMatches = *p.WinnerIndex == idx
	case p.WinnerSeatID != "":
		r.IndexMatches = p.WinnerSeatID == r.WinnerSeatID
	}
	return r
}

func render(p rounds.Proof, r report) {
	pterm.DefaultSection.Printfln("Round %s (lobby %s, #%d)", p.RoundID, p.LobbyID, p.Number)

	claimed := "-"
	if p.WinnerIndex != nil {
		claimed = strconv.Itoa(*p.WinnerIndex)
	}
	computed := "-"
	if r.ComputeErr == nil {
		computed = strconv.Itoa(r.ComputedIndex)
	}
	data := pterm.TableData{
		{"Field", "Value"},
		{"Round hash", p.RoundHash},
		{"Seed commit", p.SeedCommit},
		{"Seed reveal", p.SeedReveal},
		{"Paid seats", strconv.Itoa(len(p.PaidSeats))},
		{"Claimed winner index", claimed},
		{"Computed winner index", computed},
		{"Winner seat", r.WinnerSeatID},
		{"Winner wallet", p.WinnerWallet},
		{"Payout (TON)", p.PayoutTON},
	}
	_ = pterm.DefaultTable.WithHasHeader().WithData(data).Render()

	seats := pterm.TableData{{"Pos", "Seat", "Index", "Wallet"}}
	for i, s := range p.PaidSeats {
		seats = append(seats, []string{strconv.Itoa(i), s.SeatID, strconv.Itoa(s.SeatIndex), s.Wallet})
	}
	_ = pterm.DefaultTable.WithHasHeader().WithData(seats).Render()

	status(r.CommitOK, "seed matches commitment", "seed does not match commitment")
	if r.ComputeErr != nil {
		pterm.Error.Printfln("winner could not be computed: %v", r.ComputeErr)
		return
	}
	status(r.IndexMatches, "winner index matches", "winner index differs from the published result")
}

func status(ok bool, pass, fail string) {
	if ok {
		pterm.Success.Println(pass)
		return
	}
	pterm.Error.Println(fail)
}
