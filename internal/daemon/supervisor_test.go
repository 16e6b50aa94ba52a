package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"mdview/internal/contracts"
	"mdview/internal/ports"
	"mdview/internal/process"
	"mdview/internal/registry"
	"mdview/internal/watcher"
)

func healthOf(url string) func() (contracts.Status, error) {
	return func() (contracts.Status, error) {
		var st contracts.Status
		resp, err := http.Get(url + "/healthz")
		if err != nil {
			return st, err
		}
		defer resp.Body.Close()
		err = json.NewDecoder(resp.Body).Decode(&st)
		return st, err
	}
}

var _ = Describe("Supervisor", func() {
	var e *env

	BeforeEach(func() {
		e = newEnv(GinkgoT().TempDir())
	})

	Describe("RunForeground", func() {
		var (
			ctx    context.Context
			cancel context.CancelFunc
			done   chan error
			ready  *syncBuffer
		)

		BeforeEach(func() {
			ctx, cancel = context.WithCancel(context.Background())
			DeferCleanup(func() { cancel() })
			done = make(chan error, 1)
			ready = &syncBuffer{}
		})

		run := func(file string, opts RunOptions) {
			sup := e.supervisor(e.parentPID)
			go func() { done <- sup.RunForeground(ctx, file, opts) }()
		}

		Context("when nothing serves the file", func() {
			It("registers, serves, opens the browser once and unregisters on exit", func() {
				run(e.file, RunOptions{Ready: ready})
				Eventually(ready.String).Should(Equal("ready\n"))

				inst, err := e.registry.Lookup(e.file)
				Expect(err).NotTo(HaveOccurred())
				Expect(inst.PID).To(Equal(e.parentPID))
				Expect(inst.URL).To(Equal(registry.URLForPort(inst.Port)))

				Eventually(healthOf(inst.URL)).Should(HaveField("File", e.file))
				Expect(e.browser.URLs()).To(ConsistOf(inst.URL))
				Expect(e.out.String()).To(ContainSubstring("Serving " + e.file + " at " + inst.URL))

				cancel()
				Eventually(done, 3*time.Second).Should(Receive(BeNil()))

				_, err = e.registry.Lookup(e.file)
				Expect(err).To(MatchError(registry.ErrNotFound))
			})

			It("broadcasts a reload when the file changes", func() {
				run(e.file, RunOptions{Ready: ready, NoOpen: true})
				Eventually(ready.String).Should(Equal("ready\n"))
				inst, err := e.registry.Lookup(e.file)
				Expect(err).NotTo(HaveOccurred())

				Expect(os.WriteFile(e.file, []byte("# edited\n"), 0644)).To(Succeed())

				Eventually(healthOf(inst.URL), 2*time.Second).Should(HaveField("Rev", uint64(1)))
				Expect(e.browser.URLs()).To(BeEmpty())
			})

			It("stops with WatchLost when the file is deleted for good", func() {
				run(e.file, RunOptions{Ready: ready, NoOpen: true})
				Eventually(ready.String).Should(Equal("ready\n"))

				Expect(os.Remove(e.file)).To(Succeed())

				var err error
				Eventually(done, 3*time.Second).Should(Receive(&err))
				Expect(err).To(MatchError(watcher.ErrWatchLost))

				all, listErr := e.registry.List()
				Expect(listErr).NotTo(HaveOccurred())
				Expect(all).To(BeEmpty())
			})
		})

		Context("when a live instance already serves the file", func() {
			It("reports the existing URL and returns without serving", func() {
				existing := e.register(e.file, 999, 7777)

				run(e.file, RunOptions{Ready: ready})
				Eventually(done).Should(Receive(BeNil()))

				Expect(ready.String()).To(Equal("duplicate " + existing.URL + "\n"))
				Expect(e.out.String()).To(ContainSubstring("Already serving"))
				Expect(e.browser.URLs()).To(BeEmpty())

				inst, err := e.registry.Lookup(e.file)
				Expect(err).NotTo(HaveOccurred())
				Expect(inst.PID).To(Equal(999))
			})
		})

		Context("when the registry cannot be read", func() {
			It("fails without serving or claiming the file", func() {
				lockErr := errors.New("registry lock timeout")
				sup := e.supervisorWith(e.parentPID, brokenRegistry{FileRegistry: e.registry, err: lockErr})

				err := sup.RunForeground(ctx, e.file, RunOptions{Ready: ready})
				Expect(err).To(MatchError(lockErr))
				Expect(ready.String()).To(BeEmpty())
				Expect(e.browser.URLs()).To(BeEmpty())

				all, listErr := e.registry.List()
				Expect(listErr).NotTo(HaveOccurred())
				Expect(all).To(BeEmpty())
			})
		})

		Context("with bad input", func() {
			It("rejects a missing file", func() {
				run(filepath.Join(e.dir, "missing.md"), RunOptions{})
				Eventually(done).Should(Receive(MatchError(ErrInvalidFile)))
			})

			It("rejects a directory", func() {
				run(e.dir, RunOptions{})
				Eventually(done).Should(Receive(MatchError(ErrInvalidFile)))
			})

			It("fails when the pinned port is taken", func() {
				taken, err := net.Listen("tcp", "127.0.0.1:0")
				Expect(err).NotTo(HaveOccurred())
				defer taken.Close()

				run(e.file, RunOptions{Port: ports.PortOf(taken)})
				Eventually(done).Should(Receive(MatchError(ports.ErrNoPortAvailable)))
			})
		})
	})

	Describe("Serve", func() {
		var (
			ctx    context.Context
			cancel context.CancelFunc
		)

		BeforeEach(func() {
			ctx, cancel = context.WithCancel(context.Background())
			DeferCleanup(func() { cancel() })
		})

		It("starts a background instance and opens the browser from the parent", func() {
			launcher := &inProcessLauncher{env: e, pid: 200, ctx: ctx, done: make(chan error, 1)}
			e.launcher = launcher

			started, err := e.supervisor(e.parentPID).Serve(ctx, e.file, ServeOptions{})
			Expect(err).NotTo(HaveOccurred())
			Expect(started.Duplicate).To(BeFalse())
			Expect(started.PID).To(Equal(200))
			Expect(started.LogPath).To(BeAnExistingFile())
			Expect(filepath.Base(started.LogPath)).To(HavePrefix("notes-"))

			inst, err := e.registry.Lookup(e.file)
			Expect(err).NotTo(HaveOccurred())
			Expect(inst.PID).To(Equal(200))
			Expect(inst.URL).To(Equal(started.URL))
			Expect(inst.LogPath).To(Equal(started.LogPath))

			Expect(e.browser.URLs()).To(ConsistOf(started.URL))
			Eventually(healthOf(started.URL)).Should(HaveField("PID", 200))

			cancel()
			Eventually(launcher.done, 3*time.Second).Should(Receive(BeNil()))
		})

		It("reuses a running instance without launching", func() {
			launcher := &inProcessLauncher{env: e, pid: 200, ctx: ctx, done: make(chan error, 1)}
			e.launcher = launcher
			existing := e.register(e.file, 300, 7000)

			started, err := e.supervisor(e.parentPID).Serve(ctx, e.file, ServeOptions{})
			Expect(err).NotTo(HaveOccurred())
			Expect(started.Duplicate).To(BeTrue())
			Expect(started.URL).To(Equal(existing.URL))
			Expect(launcher.calls).To(BeZero())
			Expect(e.out.String()).To(ContainSubstring("Already serving"))
		})

		It("reports the winner when it loses a registration race", func() {
			var winner registry.Instance
			launcher := &inProcessLauncher{env: e, pid: 200, ctx: ctx, done: make(chan error, 1)}
			launcher.before = func() { winner = e.register(e.file, 300, 7001) }
			e.launcher = launcher

			started, err := e.supervisor(e.parentPID).Serve(ctx, e.file, ServeOptions{})
			Expect(err).NotTo(HaveOccurred())
			Expect(started.Duplicate).To(BeTrue())
			Expect(started.URL).To(Equal(winner.URL))
			Eventually(launcher.done).Should(Receive(BeNil()))

			inst, err := e.registry.Lookup(e.file)
			Expect(err).NotTo(HaveOccurred())
			Expect(inst.PID).To(Equal(300))
		})

		It("does not launch when the registry cannot be read", func() {
			launcher := &inProcessLauncher{env: e, pid: 200, ctx: ctx, done: make(chan error, 1)}
			e.launcher = launcher
			lockErr := errors.New("registry lock timeout")

			_, err := e.supervisorWith(e.parentPID, brokenRegistry{FileRegistry: e.registry, err: lockErr}).
				Serve(ctx, e.file, ServeOptions{})
			Expect(err).To(MatchError(lockErr))
			Expect(launcher.calls).To(BeZero())
			Expect(e.out.String()).To(BeEmpty())
		})

		It("terminates a child that never becomes ready", func() {
			e.launcher = &silentLauncher{env: e, pid: 400}

			_, err := e.supervisor(e.parentPID).Serve(ctx, e.file, ServeOptions{})
			Expect(err).To(MatchError(ErrStartupFailed))
			Expect(e.table.Terminated()).To(ContainElement(400))
			Expect(e.table.IsRunning(400)).To(BeFalse())

			_, err = e.registry.Lookup(e.file)
			Expect(err).To(MatchError(registry.ErrNotFound))
		})

		It("fails fast when the child exits before reporting", func() {
			e.launcher = &silentLauncher{env: e, pid: 401, hangUp: true}

			start := time.Now()
			_, err := e.supervisor(e.parentPID).Serve(ctx, e.file, ServeOptions{})
			Expect(err).To(MatchError(ErrStartupFailed))
			Expect(err.Error()).To(ContainSubstring("exited before becoming ready"))
			Expect(time.Since(start)).To(BeNumerically("<", e.cfg.StartupTimeout+e.cfg.StopGrace))
		})
	})

	Describe("Stop", func() {
		It("returns NotRunning and leaves the registry alone", func() {
			other := filepath.Join(e.dir, "other.md")
			Expect(os.WriteFile(other, []byte("x"), 0644)).To(Succeed())
			e.register(other, 300, 7000)

			_, err := e.supervisor(e.parentPID).Stop(e.file)
			Expect(err).To(MatchError(ErrNotRunning))

			all, err := e.registry.List()
			Expect(err).NotTo(HaveOccurred())
			Expect(all).To(HaveLen(1))
		})

		It("terminates the instance and removes its entry", func() {
			e.register(e.file, 300, 7000)

			report, err := e.supervisor(e.parentPID).Stop(e.file)
			Expect(err).NotTo(HaveOccurred())
			Expect(report.Result).To(Equal(process.Terminated))
			Expect(report.Instance.PID).To(Equal(300))
			Expect(e.table.IsRunning(300)).To(BeFalse())

			_, err = e.registry.Lookup(e.file)
			Expect(err).To(MatchError(registry.ErrNotFound))
		})

		It("stops every instance with StopAll", func() {
			other := filepath.Join(e.dir, "other.md")
			Expect(os.WriteFile(other, []byte("x"), 0644)).To(Succeed())
			e.register(e.file, 300, 7000)
			e.register(other, 301, 7001)

			reports, err := e.supervisor(e.parentPID).StopAll()
			Expect(err).NotTo(HaveOccurred())
			Expect(reports).To(HaveLen(2))
			Expect(e.table.Terminated()).To(ConsistOf(300, 301))

			all, err := e.supervisor(e.parentPID).List()
			Expect(err).NotTo(HaveOccurred())
			Expect(all).To(BeEmpty())
		})
	})

	Describe("List", func() {
		It("prunes instances whose process died", func() {
			other := filepath.Join(e.dir, "other.md")
			Expect(os.WriteFile(other, []byte("x"), 0644)).To(Succeed())
			e.register(e.file, 300, 7000)
			e.register(other, 301, 7001)
			e.table.SetRunning(300, false)

			all, err := e.supervisor(e.parentPID).List()
			Expect(err).NotTo(HaveOccurred())
			Expect(all).To(HaveLen(1))
			Expect(all[0].FilePath).To(Equal(other))
		})
	})
})
