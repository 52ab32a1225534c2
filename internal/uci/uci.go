// Package uci implements the Universal Chess Interface protocol: it parses
// commands off stdin, drives the engine, and writes info/bestmove lines to
// stdout, reserving stderr for diagnostics so it never corrupts the
// protocol stream.
package uci

import (
	"bufio"
	"fmt"
	"os"
	"runtime/pprof"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gaspox/scacchista/internal/board"
	"github.com/gaspox/scacchista/internal/engine"
	"github.com/gaspox/scacchista/internal/experience"
)

// UCI implements the Universal Chess Interface protocol.
type UCI struct {
	engine   *engine.Engine
	position *board.Position

	// Position history for repetition detection, spanning the whole game.
	positionHashes []uint64

	bookFile   string
	syzygyPath string

	useExperience   bool
	experienceStore *experience.Store

	searching     bool
	searchDone    chan struct{}
	stopRequested atomic.Bool

	profileFile *os.File
}

// New creates a new UCI protocol handler around an already-configured engine.
func New(eng *engine.Engine) *UCI {
	return &UCI{
		engine:   eng,
		position: board.NewPosition(),
	}
}

// Run starts the UCI main loop, blocking until "quit" is received.
func (u *UCI) Run() {
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		parts := strings.Fields(line)
		cmd := parts[0]
		args := parts[1:]

		switch cmd {
		case "uci":
			u.handleUCI()
		case "isready":
			fmt.Println("readyok")
		case "ucinewgame":
			u.handleNewGame()
		case "position":
			u.handlePosition(args)
		case "go":
			u.handleGo(args)
		case "stop":
			u.handleStop()
		case "quit":
			u.handleQuit()
		case "setoption":
			u.handleSetOption(args)
		case "d":
			fmt.Println(u.position.String())
		case "perft":
			u.handlePerft(args)
		}
	}
}

// handleUCI responds to the "uci" handshake, naming the recognized options;
// the CPUProfile option is accepted by setoption but not listed here.
func (u *UCI) handleUCI() {
	fmt.Println("id name Scacchista")
	fmt.Println("id author Scacchista Team")
	fmt.Println()
	fmt.Println("option name Hash type spin default 64 min 1 max 32768")
	fmt.Printf("option name Threads type spin default %d min 1 max 256\n", u.engine.Threads())
	fmt.Println("option name MoveOverhead type spin default 80 min 0 max 5000")
	fmt.Println("option name MultiPV type spin default 1 min 1 max 256")
	fmt.Println("option name SyzygyPath type string default <empty>")
	fmt.Println("option name BookFile type string default <empty>")
	fmt.Println("option name Style type combo default Normal var Normal var Tal var Petrosian")
	fmt.Println("option name UseExperienceBook type check default false")
	fmt.Println("uciok")
}

// handleNewGame resets the engine and the game's position history.
func (u *UCI) handleNewGame() {
	u.engine.Clear()
	u.position = board.NewPosition()
	u.positionHashes = []uint64{u.position.Hash}
}

// handlePosition parses and sets up a position.
//
//	position startpos
//	position startpos moves e2e4 e7e5
//	position fen <fen>
//	position fen <fen> moves e2e4
func (u *UCI) handlePosition(args []string) {
	if len(args) == 0 {
		return
	}

	var pos *board.Position
	var moveStart int

	switch args[0] {
	case "startpos":
		pos = board.NewPosition()
		moveStart = 1
	case "fen":
		fenEnd := len(args)
		for i := 1; i < len(args); i++ {
			if args[i] == "moves" {
				fenEnd = i
				break
			}
		}
		if fenEnd <= 1 {
			fmt.Fprintln(os.Stderr, "info string Invalid FEN: missing fields")
			return
		}
		fenStr := strings.Join(args[1:fenEnd], " ")
		p, err := board.ParseFEN(fenStr)
		if err != nil {
			fmt.Fprintf(os.Stderr, "info string Invalid FEN: %v\n", err)
			return
		}
		pos = p
		moveStart = fenEnd
	default:
		return
	}

	hashes := []uint64{pos.Hash}

	if moveStart < len(args) && args[moveStart] == "moves" {
		moveStart++
	}
	for i := moveStart; i < len(args); i++ {
		move, err := board.ParseMove(args[i], pos)
		if err != nil || !pos.IsLegal(move) {
			fmt.Fprintf(os.Stderr, "info string Invalid move: %s\n", args[i])
			return
		}
		pos.MakeMove(move)
		hashes = append(hashes, pos.Hash)
	}

	// Only commit to state once the whole move list has parsed cleanly, so
	// a malformed command leaves the previously installed position intact.
	u.position = pos
	u.positionHashes = hashes
}

// GoOptions holds parsed "go" command arguments.
type GoOptions struct {
	Depth     int
	Nodes     uint64
	MoveTime  time.Duration
	Infinite  bool
	WTime     time.Duration
	BTime     time.Duration
	WInc      time.Duration
	BInc      time.Duration
	MovesToGo int
}

// handleGo starts a search with the given parameters in a background
// goroutine and returns immediately; the search itself reports its own
// bestmove once the driver settles on one.
func (u *UCI) handleGo(args []string) {
	opts := u.parseGoOptions(args)

	u.engine.SetPositionHistory(u.positionHashes)
	u.engine.OnInfo = u.sendInfo

	limits := engine.UCILimits{
		Depth:     opts.Depth,
		Nodes:     opts.Nodes,
		MoveTime:  opts.MoveTime,
		Infinite:  opts.Infinite,
		MovesToGo: opts.MovesToGo,
	}
	limits.Time[board.White] = opts.WTime
	limits.Time[board.Black] = opts.BTime
	limits.Inc[board.White] = opts.WInc
	limits.Inc[board.Black] = opts.BInc

	ply := len(u.positionHashes) - 1
	pos := u.position.Copy()

	u.searching = true
	u.stopRequested.Store(false)
	u.searchDone = make(chan struct{})

	go func() {
		defer close(u.searchDone)

		bestMove := u.engine.SearchWithUCILimits(pos, limits, ply)
		u.searching = false

		u.sendBestMove(bestMove)
	}()
}

// sendBestMove emits the bestmove line, re-validating legality against the
// position as installed before the search started: the wire never carries
// a move the search merely claims is legal.
func (u *UCI) sendBestMove(bestMove board.Move) {
	legal := u.position.GenerateLegalMoves()

	if bestMove != board.NoMove && legal.Contains(bestMove) {
		fmt.Printf("bestmove %s\n", bestMove.String())
		return
	}

	if bestMove != board.NoMove {
		fmt.Fprintf(os.Stderr, "info string search returned illegal move %s, falling back\n", bestMove.String())
	}

	if legal.Len() > 0 {
		fmt.Printf("bestmove %s\n", legal.Get(0).String())
		return
	}

	fmt.Println("bestmove 0000")
}

// parseGoOptions parses "go" command arguments.
func (u *UCI) parseGoOptions(args []string) GoOptions {
	var opts GoOptions

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "depth":
			if i+1 < len(args) {
				opts.Depth, _ = strconv.Atoi(args[i+1])
				i++
			}
		case "nodes":
			if i+1 < len(args) {
				opts.Nodes, _ = strconv.ParseUint(args[i+1], 10, 64)
				i++
			}
		case "movetime":
			if i+1 < len(args) {
				ms, _ := strconv.Atoi(args[i+1])
				opts.MoveTime = time.Duration(ms) * time.Millisecond
				i++
			}
		case "infinite":
			opts.Infinite = true
		case "wtime":
			if i+1 < len(args) {
				ms, _ := strconv.Atoi(args[i+1])
				opts.WTime = time.Duration(ms) * time.Millisecond
				i++
			}
		case "btime":
			if i+1 < len(args) {
				ms, _ := strconv.Atoi(args[i+1])
				opts.BTime = time.Duration(ms) * time.Millisecond
				i++
			}
		case "winc":
			if i+1 < len(args) {
				ms, _ := strconv.Atoi(args[i+1])
				opts.WInc = time.Duration(ms) * time.Millisecond
				i++
			}
		case "binc":
			if i+1 < len(args) {
				ms, _ := strconv.Atoi(args[i+1])
				opts.BInc = time.Duration(ms) * time.Millisecond
				i++
			}
		case "movestogo":
			if i+1 < len(args) {
				opts.MovesToGo, _ = strconv.Atoi(args[i+1])
				i++
			}
		}
	}

	return opts
}

// sendInfo emits one "info" line per completed iteration (or sub-search
// when MultiPV > 1).
func (u *UCI) sendInfo(info engine.SearchInfo) {
	var parts []string

	parts = append(parts, fmt.Sprintf("depth %d", info.Depth))

	if info.MultiPVCount > 1 {
		parts = append(parts, fmt.Sprintf("multipv %d", info.MultiPVIndex))
	}

	switch {
	case info.Score > engine.MateScore-100:
		mateIn := (engine.MateScore - info.Score + 1) / 2
		parts = append(parts, fmt.Sprintf("score mate %d", mateIn))
	case info.Score < -engine.MateScore+100:
		mateIn := -(engine.MateScore + info.Score + 1) / 2
		parts = append(parts, fmt.Sprintf("score mate %d", mateIn))
	default:
		parts = append(parts, fmt.Sprintf("score cp %d", info.Score))
	}

	parts = append(parts, fmt.Sprintf("nodes %d", info.Nodes))
	parts = append(parts, fmt.Sprintf("time %d", info.Time.Milliseconds()))

	if info.Time > 0 {
		nps := uint64(float64(info.Nodes) / info.Time.Seconds())
		parts = append(parts, fmt.Sprintf("nps %d", nps))
	}

	if info.HashFull > 0 {
		parts = append(parts, fmt.Sprintf("hashfull %d", info.HashFull))
	}

	if len(info.PV) > 0 {
		pv := make([]string, len(info.PV))
		for i, move := range info.PV {
			pv[i] = move.String()
		}
		parts = append(parts, "pv "+strings.Join(pv, " "))
	}

	fmt.Printf("info %s\n", strings.Join(parts, " "))
}

// handleStop requests cancellation of the in-flight search and blocks until
// it has unwound and emitted its bestmove.
func (u *UCI) handleStop() {
	if u.searching {
		u.stopRequested.Store(true)
		u.engine.Stop()
		<-u.searchDone
	}
}

// handleQuit stops any in-flight search and exits the process.
func (u *UCI) handleQuit() {
	u.handleStop()
	if u.profileFile != nil {
		pprof.StopCPUProfile()
		u.profileFile.Close()
	}
	if u.experienceStore != nil {
		u.experienceStore.Close()
	}
	os.Exit(0)
}

// handleSetOption processes "setoption name <name> value <value>" commands.
// Unrecognized option names are ignored with a warning, per §7's policy;
// state is otherwise left untouched.
func (u *UCI) handleSetOption(args []string) {
	var name, value string
	readingName, readingValue := false, false

	for _, arg := range args {
		switch arg {
		case "name":
			readingName, readingValue = true, false
		case "value":
			readingName, readingValue = false, true
		default:
			if readingName {
				if name != "" {
					name += " "
				}
				name += arg
			} else if readingValue {
				if value != "" {
					value += " "
				}
				value += arg
			}
		}
	}

	switch strings.ToLower(name) {
	case "hash":
		mb, err := strconv.Atoi(value)
		if err == nil && mb >= 1 {
			u.engine.SetHashSize(mb)
		}
	case "threads":
		n, err := strconv.Atoi(value)
		if err == nil && n >= 1 {
			u.engine.SetThreads(n)
		}
	case "moveoverhead":
		ms, err := strconv.Atoi(value)
		if err == nil && ms >= 0 {
			u.engine.SetMoveOverhead(time.Duration(ms) * time.Millisecond)
		}
	case "multipv":
		n, err := strconv.Atoi(value)
		if err == nil && n >= 1 {
			u.engine.SetMultiPV(n)
		}
	case "style":
		switch strings.ToLower(value) {
		case "tal":
			u.engine.SetStyle(engine.StyleTal)
		case "petrosian":
			u.engine.SetStyle(engine.StylePetrosian)
		default:
			u.engine.SetStyle(engine.StyleNormal)
		}
	case "bookfile":
		u.bookFile = value
		if value != "" {
			if err := u.engine.LoadBook(value); err != nil {
				fmt.Fprintf(os.Stderr, "info string Failed to load book: %v\n", err)
			}
		}
	case "syzygypath":
		u.syzygyPath = value
		u.engine.SetSyzygyPath(value)
		// No real tablebase format parser is implemented (§10.4); the path
		// is accepted and stored opaquely, and no prober is installed, so
		// the core does not probe tablebases.
	case "useexperiencebook":
		enabled := strings.ToLower(value) == "true"
		u.setUseExperience(enabled)
	case "cpuprofile":
		u.handleCPUProfile(value)
	default:
		fmt.Fprintf(os.Stderr, "info string Unsupported option: %s\n", name)
	}
}

// setUseExperience opens or closes the badger-backed experience store in
// response to the UseExperienceBook option.
func (u *UCI) setUseExperience(enabled bool) {
	u.useExperience = enabled
	if !enabled {
		if u.experienceStore != nil {
			u.experienceStore.Close()
			u.experienceStore = nil
			u.engine.SetExperience(nil)
		}
		return
	}
	if u.experienceStore != nil {
		return
	}
	path, err := experience.DefaultPath()
	if err != nil {
		fmt.Fprintf(os.Stderr, "info string Failed to resolve experience path: %v\n", err)
		return
	}
	store, err := experience.Open(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "info string Failed to open experience store: %v\n", err)
		return
	}
	u.experienceStore = store
	u.engine.SetExperience(store)
}

func (u *UCI) handleCPUProfile(value string) {
	if u.profileFile != nil {
		pprof.StopCPUProfile()
		u.profileFile.Close()
		u.profileFile = nil
	}
	if value == "" || value == "stop" {
		return
	}
	f, err := os.Create(value)
	if err != nil {
		fmt.Fprintf(os.Stderr, "info string Failed to create profile: %v\n", err)
		return
	}
	if err := pprof.StartCPUProfile(f); err != nil {
		f.Close()
		fmt.Fprintf(os.Stderr, "info string Failed to start profile: %v\n", err)
		return
	}
	u.profileFile = f
	fmt.Fprintf(os.Stderr, "info string CPU profiling to %s\n", value)
}

// handlePerft runs a perft node-count test from the current position.
func (u *UCI) handlePerft(args []string) {
	depth := 5
	if len(args) > 0 {
		if d, err := strconv.Atoi(args[0]); err == nil {
			depth = d
		}
	}

	start := time.Now()
	nodes := u.engine.Perft(u.position, depth)
	elapsed := time.Since(start)

	fmt.Printf("Nodes: %d\n", nodes)
	fmt.Printf("Time: %v\n", elapsed)
	if elapsed > 0 {
		fmt.Printf("NPS: %.0f\n", float64(nodes)/elapsed.Seconds())
	}
}
