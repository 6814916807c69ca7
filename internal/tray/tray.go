package tray

import (
	"context"
	"fmt"
	"sync"

	"github.com/atotto/clipboard"
	"github.com/getlantern/systray"
	"github.com/petems/voicelink/internal/audio"
	"github.com/petems/voicelink/internal/config"
	"github.com/petems/voicelink/internal/logging"
	"github.com/petems/voicelink/internal/session"
	"github.com/petems/voicelink/internal/transcript"
	"github.com/rs/zerolog"
)

// Controller is the part of the session controller the tray drives.
type Controller interface {
	Start()
	Stop()
	DismissError()
	Transcript() []transcript.Entry
}

// DeviceLister lists capture devices for the microphone menu.
type DeviceLister interface {
	ListDevices() ([]audio.AudioDevice, error)
}

var writeClipboard = clipboard.WriteAll

type UI struct {
	ctrl    Controller
	devices DeviceLister
	cfg     *config.Config
	version string
	commit  string
	log     zerolog.Logger
	onQuit  func()

	mu    sync.Mutex
	ready bool
	last  session.Snapshot

	// Menu items
	mStatus  *systray.MenuItem
	mStart   *systray.MenuItem
	mStop    *systray.MenuItem
	mDismiss *systray.MenuItem
	mCopy    *systray.MenuItem
	mDevices *systray.MenuItem
}

func New(devices DeviceLister, cfg *config.Config, log zerolog.Logger, version, commit string) *UI {
	return &UI{
		devices: devices,
		cfg:     cfg,
		version: version,
		commit:  commit,
		log:     log.With().Str("component", "tray").Logger(),
	}
}

// SetController sets the controller reference (for circular dependency resolution)
func (u *UI) SetController(ctrl Controller) {
	u.ctrl = ctrl
}

// Run blocks on the systray loop until Quit is chosen or ctx is cancelled.
// onQuit is called when the user quits from the menu.
func (u *UI) Run(ctx context.Context, onQuit func()) error {
	u.onQuit = onQuit
	go func() {
		<-ctx.Done()
		systray.Quit()
	}()
	systray.Run(u.onReady, u.onExit)
	return nil
}

// Render implements session.Display.
func (u *UI) Render(snap session.Snapshot) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.last = snap
	if u.ready {
		u.applyLocked(snap)
	}
}

func (u *UI) onReady() {
	systray.SetTooltip("Voice conversation")

	u.mStatus = systray.AddMenuItem("Idle", "Session status")
	u.mStatus.Disable()
	systray.AddSeparator()

	u.mStart = systray.AddMenuItem("Start Conversation", "Connect and start talking")
	u.mStop = systray.AddMenuItem("Stop Conversation", "Disconnect and release the microphone")
	u.mDismiss = systray.AddMenuItem("Dismiss Error", "Clear the error message")
	u.mCopy = systray.AddMenuItem("Copy Transcript", "Copy the conversation to the clipboard")
	systray.AddSeparator()

	u.mDevices = systray.AddMenuItem("Microphone", "Select audio device")
	u.buildDeviceMenu()

	systray.AddSeparator()
	mLogs := systray.AddMenuItem("Show Log Path", "Print the log file location")
	mAbout := systray.AddMenuItem("About", "About VoiceLink")
	mQuit := systray.AddMenuItem("Quit", "Exit application")

	u.mu.Lock()
	u.ready = true
	u.applyLocked(u.last)
	u.mu.Unlock()

	// Event loop
	go u.handleEvents(mLogs, mAbout, mQuit)
}

func (u *UI) handleEvents(mLogs, mAbout, mQuit *systray.MenuItem) {
	for {
		select {
		case <-u.mStart.ClickedCh:
			u.ctrl.Start()
		case <-u.mStop.ClickedCh:
			u.ctrl.Stop()
		case <-u.mDismiss.ClickedCh:
			u.ctrl.DismissError()
		case <-u.mCopy.ClickedCh:
			u.copyTranscript()
		case <-mLogs.ClickedCh:
			fmt.Println(logging.LogPath())
		case <-mAbout.ClickedCh:
			u.showAbout()
		case <-mQuit.ClickedCh:
			if u.onQuit != nil {
				u.onQuit()
			}
			systray.Quit()
			return
		}
	}
}

func (u *UI) buildDeviceMenu() {
	devices, err := u.devices.ListDevices()
	if err != nil {
		u.log.Error().Err(err).Msg("Failed to list audio devices")
		return
	}

	deviceItems := make(map[string]*systray.MenuItem)

	for _, dev := range devices {
		item := u.mDevices.AddSubMenuItem(dev.Name, "")
		if dev.ID == u.cfg.Audio.DeviceID || (u.cfg.Audio.DeviceID == "" && dev.Default) {
			item.Check()
		}
		deviceItems[dev.ID] = item

		go func(deviceID, deviceName string, menuItem *systray.MenuItem) {
			for {
				<-menuItem.ClickedCh
				for id, itm := range deviceItems {
					if id != deviceID {
						itm.Uncheck()
					}
				}
				menuItem.Check()
				u.cfg.Audio.DeviceID = deviceID
				if err := u.cfg.Save(); err != nil {
					u.log.Error().Err(err).Msg("Failed to save config")
				}
				u.log.Info().Str("device", deviceName).Msg("Changed audio device, applies to the next session")
			}
		}(dev.ID, dev.Name, item)
	}
}

func (u *UI) copyTranscript() {
	text := transcript.Format(u.ctrl.Transcript())
	if text == "" {
		u.log.Info().Msg("Transcript is empty, nothing to copy")
		return
	}
	if err := writeClipboard(text); err != nil {
		u.log.Error().Err(err).Msg("Failed to copy transcript")
		return
	}
	u.log.Info().Int("bytes", len(text)).Msg("Copied transcript")
}

func (u *UI) showAbout() {
	fmt.Printf("VoiceLink %s (%s)\nReal-time voice conversation\n", u.version, u.commit)
}

func (u *UI) onExit() {
	// Cleanup
}

func (u *UI) applyLocked(snap session.Snapshot) {
	systray.SetTitle(titleFor(snap))

	st := menuStateFor(snap)
	u.mStatus.SetTitle(st.status)
	setEnabled(u.mStart, st.canStart)
	setEnabled(u.mStop, st.canStop)
	if st.showDismiss {
		u.mDismiss.Show()
	} else {
		u.mDismiss.Hide()
	}
}

func setEnabled(item *systray.MenuItem, enabled bool) {
	if enabled {
		item.Enable()
	} else {
		item.Disable()
	}
}

type menuState struct {
	status      string
	canStart    bool
	canStop     bool
	showDismiss bool
}

func menuStateFor(snap session.Snapshot) menuState {
	st := menuState{
		canStart:    snap.Phase == session.Idle,
		canStop:     snap.Phase == session.Connecting || snap.Phase == session.Active,
		showDismiss: snap.Err != "",
	}
	switch {
	case snap.Err != "":
		st.status = snap.Err
	case snap.Phase == session.Active && snap.Speaking:
		st.status = "Speaking"
	case snap.Phase == session.Active:
		st.status = "Listening"
	case snap.Phase == session.Connecting:
		st.status = "Connecting..."
	case snap.Phase == session.Closing:
		st.status = "Closing..."
	default:
		st.status = "Idle"
	}
	return st
}

// titleFor returns the tray title with microphone emoji and status indicator
func titleFor(snap session.Snapshot) string {
	return fmt.Sprintf("🎤 %s", emojiForStatus(snap))
}

// emojiForStatus returns the appropriate status emoji
func emojiForStatus(snap session.Snapshot) string {
	switch {
	case snap.Err != "":
		return "⚪️" // White - error
	case snap.Phase == session.Active && snap.Speaking:
		return "🔵" // Blue - agent speaking
	case snap.Phase == session.Active:
		return "🔴" // Red - listening
	case snap.Phase == session.Connecting, snap.Phase == session.Closing:
		return "🟡" // Yellow - connecting or closing
	default:
		return "🟢" // Green - ready/idle
	}
}
