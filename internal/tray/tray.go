// Package tray provides the system tray menu for a gestalyze session.
package tray

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/getlantern/systray"

	"github.com/rbcorrales/gestalyze/internal/protocol"
	"github.com/rbcorrales/gestalyze/internal/session"
)

// maxCameraItems bounds the camera submenu. systray cannot remove items, so unused
// slots are hidden.
const maxCameraItems = 8

const actionTimeout = 10 * time.Second

// Actions is the part of session.Coordinator the menu drives.
type Actions interface {
	ToggleASL(ctx context.Context) (bool, error)
	SetModel(ctx context.Context, model protocol.ModelType) error
	SelectCamera(ctx context.Context, id string) error
	RefreshCameras(ctx context.Context) error
	IncrementInterval() (time.Duration, error)
	DecrementInterval() (time.Duration, error)
}

// Tray represents the system tray application.
type Tray struct {
	actions Actions
	logger  *slog.Logger
	onQuit  func()

	mu    sync.RWMutex
	snap  session.Snapshot
	ready bool

	// Menu items stored for later updates
	menuConnection *systray.MenuItem
	menuHand       *systray.MenuItem
	menuFingers    *systray.MenuItem
	menuLetter     *systray.MenuItem
	menuASL        *systray.MenuItem
	menuModels     map[protocol.ModelType]*systray.MenuItem
	menuCamera     *systray.MenuItem
	menuCameras    []*systray.MenuItem
	cameraIDs      []string
	menuInterval   *systray.MenuItem
	menuFaster     *systray.MenuItem
	menuSlower     *systray.MenuItem
}

// New creates a Tray that forwards menu clicks to actions.
func New(actions Actions, logger *slog.Logger) *Tray {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tray{
		actions:    actions,
		logger:     logger.With("component", "tray"),
		menuModels: make(map[protocol.ModelType]*systray.MenuItem),
		cameraIDs:  make([]string, maxCameraItems),
	}
}

// OnQuit sets the callback function to be called when the quit menu item is clicked.
func (t *Tray) OnQuit(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onQuit = fn
}

// Run starts the system tray application.
// This function blocks until Quit is called and must run on the main goroutine.
func (t *Tray) Run() {
	systray.Run(t.onReady, t.onExit)
}

// Quit closes the tray and makes Run return.
func (t *Tray) Quit() {
	systray.Quit()
}

// onReady is called when the system tray is ready.
// It sets up the menu structure.
func (t *Tray) onReady() {
	systray.SetTitle(appName)
	systray.SetTooltip("Gestalyze hand gesture analysis")

	t.mu.Lock()

	t.menuConnection = systray.AddMenuItem(connectionTitle(t.snap.Connection), "Backend connection")
	t.menuConnection.Disable()
	t.menuHand = systray.AddMenuItem("Hand: unknown", "Detected hand")
	t.menuHand.Disable()
	t.menuFingers = systray.AddMenuItem("Fingers: unknown", "Lifted fingers")
	t.menuFingers.Disable()
	t.menuLetter = systray.AddMenuItem("Letter: off", "Recognized ASL letter")
	t.menuLetter.Disable()
	systray.AddSeparator()

	t.menuASL = systray.AddMenuItemCheckbox(aslTitle(false), "Toggle ASL letter recognition", false)
	menuModel := systray.AddMenuItem("Model", "Letter classification model")
	for _, m := range protocol.Models {
		t.menuModels[m] = menuModel.AddSubMenuItemCheckbox(modelTitle(m), "Use the "+string(m)+" model", false)
	}
	systray.AddSeparator()

	t.menuCamera = systray.AddMenuItem("Camera: none", "Choose the camera")
	for i := 0; i < maxCameraItems; i++ {
		item := t.menuCamera.AddSubMenuItemCheckbox("", "", false)
		item.Hide()
		t.menuCameras = append(t.menuCameras, item)
	}
	menuRefresh := t.menuCamera.AddSubMenuItem("Refresh cameras", "Enumerate cameras again")

	t.menuInterval = systray.AddMenuItem(intervalTitle(t.snap.IntervalMS), "Frame sampling interval")
	t.menuInterval.Disable()
	t.menuFaster = systray.AddMenuItem("Faster", "Shorten the sampling interval")
	t.menuSlower = systray.AddMenuItem("Slower", "Lengthen the sampling interval")
	systray.AddSeparator()

	menuQuit := systray.AddMenuItem("Quit", "Quit Gestalyze")

	t.ready = true
	t.applyLocked()
	t.mu.Unlock()

	for m, item := range t.menuModels {
		go t.forward(item.ClickedCh, func() { t.handleModel(m) })
	}
	for i, item := range t.menuCameras {
		go t.forward(item.ClickedCh, func() { t.handleCamera(i) })
	}

	// Handle menu item clicks in a separate goroutine
	go func() {
		for {
			select {
			case <-t.menuASL.ClickedCh:
				t.handleToggle()
			case <-menuRefresh.ClickedCh:
				t.handleRefresh()
			case <-t.menuFaster.ClickedCh:
				t.handleInterval(t.actions.DecrementInterval)
			case <-t.menuSlower.ClickedCh:
				t.handleInterval(t.actions.IncrementInterval)
			case <-menuQuit.ClickedCh:
				t.handleQuit()
				return
			}
		}
	}()
}

func (t *Tray) forward(clicked <-chan struct{}, fn func()) {
	for range clicked {
		fn()
	}
}

// onExit is called when the system tray is about to exit.
func (t *Tray) onExit() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ready = false
}

// Update refreshes the menu from snap. It is safe to call before Run.
func (t *Tray) Update(snap session.Snapshot) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.snap = snap
	if t.ready {
		t.applyLocked()
	}
}

func (t *Tray) applyLocked() {
	snap := t.snap

	systray.SetTitle(trayTitle(snap))
	t.menuConnection.SetTitle(connectionTitle(snap.Connection))
	t.menuHand.SetTitle(handTitle(snap.Annotation))
	t.menuFingers.SetTitle(fingersTitle(snap.Annotation))
	t.menuLetter.SetTitle(letterTitle(snap))

	t.menuASL.SetTitle(aslTitle(snap.Control.EnableASL))
	setChecked(t.menuASL, snap.Control.EnableASL)
	for m, item := range t.menuModels {
		setChecked(item, m == snap.Control.ModelType)
	}

	t.menuCamera.SetTitle(cameraTitle(snap))
	for i, item := range t.menuCameras {
		if i >= len(snap.Sources) {
			t.cameraIDs[i] = ""
			item.Hide()
			continue
		}
		src := snap.Sources[i]
		t.cameraIDs[i] = src.ID
		item.SetTitle(src.Label)
		setChecked(item, snap.Selected != nil && snap.Selected.ID == src.ID)
		item.Show()
	}

	t.menuInterval.SetTitle(intervalTitle(snap.IntervalMS))
	canFaster, canSlower := intervalLimits(snap)
	setEnabled(t.menuFaster, canFaster)
	setEnabled(t.menuSlower, canSlower)
}

func setEnabled(item *systray.MenuItem, enabled bool) {
	if enabled {
		item.Enable()
	} else {
		item.Disable()
	}
}

func setChecked(item *systray.MenuItem, checked bool) {
	if checked {
		item.Check()
	} else {
		item.Uncheck()
	}
}

// run executes a session action off the menu goroutine.
func (t *Tray) run(what string, fn func(ctx context.Context) error) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			t.logger.Warn(what+" failed", "error", err)
		}
	}()
}

// handleToggle handles the ASL menu item click.
func (t *Tray) handleToggle() {
	t.run("toggle asl", func(ctx context.Context) error {
		_, err := t.actions.ToggleASL(ctx)
		return err
	})
}

func (t *Tray) handleModel(m protocol.ModelType) {
	t.run("set model", func(ctx context.Context) error {
		return t.actions.SetModel(ctx, m)
	})
}

// handleCamera selects the source shown in submenu slot i.
func (t *Tray) handleCamera(i int) {
	t.mu.RLock()
	id := t.cameraIDs[i]
	t.mu.RUnlock()

	if id == "" {
		return
	}
	t.run("select camera", func(ctx context.Context) error {
		return t.actions.SelectCamera(ctx, id)
	})
}

func (t *Tray) handleRefresh() {
	t.run("refresh cameras", t.actions.RefreshCameras)
}

func (t *Tray) handleInterval(step func() (time.Duration, error)) {
	t.run("change interval", func(context.Context) error {
		_, err := step()
		return err
	})
}

// handleQuit handles the quit menu item click.
func (t *Tray) handleQuit() {
	t.mu.RLock()
	callback := t.onQuit
	t.mu.RUnlock()

	if callback != nil {
		callback()
	}

	systray.Quit()
}
