// Licensed under the MIT License. See LICENSE file in the project root for details.

package hazard

import (
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"unsafe"

	. "github.com/smartystreets/goconvey/convey"
)

type payload struct {
	n int
}

func addr(p *payload) uintptr {
	return uintptr(unsafe.Pointer(p))
}

func TestRegistryBasicOperations(t *testing.T) {
	Convey("Given a new registry", t, func() {
		r := NewRegistry[payload]()

		Convey("Initially", func() {
			So(r.SlotCount(), ShouldEqual, 0)
			So(r.ActiveCount(), ShouldEqual, 0)
			So(r.Protected(nil), ShouldBeEmpty)
		})

		Convey("When acquiring a slot", func() {
			s := r.Acquire()

			Convey("Then it is active with no payload", func() {
				So(s.Active(), ShouldBeTrue)
				So(s.Load(), ShouldBeNil)
				So(r.SlotCount(), ShouldEqual, 1)
			})

			Convey("When publishing an address", func() {
				p := &payload{n: 1}
				protect(s, p)

				Convey("Then it appears in the protected set", func() {
					So(r.Protected(nil), ShouldResemble, []uintptr{addr(p)})
					So(isProtected(r, p), ShouldBeTrue)
				})

				Convey("When releasing the slot", func() {
					r.Release(s)

					Convey("Then the payload and active flag are cleared", func() {
						So(s.Load(), ShouldBeNil)
						So(s.Active(), ShouldBeFalse)
						So(r.Protected(nil), ShouldBeEmpty)
						So(isProtected(r, p), ShouldBeFalse)
					})

					Convey("And the next acquire reuses it", func() {
						s2 := r.Acquire()
						So(s2, ShouldEqual, s)
						So(r.SlotCount(), ShouldEqual, 1)
					})
				})
			})

			Convey("When a second slot is acquired while the first is held", func() {
				s2 := r.Acquire()

				Convey("Then the registry grows", func() {
					So(s2, ShouldNotEqual, s)
					So(r.SlotCount(), ShouldEqual, 2)
					So(r.ActiveCount(), ShouldEqual, 2)
				})

				Convey("And releasing both does not shrink the slot count", func() {
					r.Release(s)
					r.Release(s2)
					So(r.SlotCount(), ShouldEqual, 2)
					So(r.ActiveCount(), ShouldEqual, 0)
				})
			})
		})
	})
}

func TestRegistryReleaseInactivePanics(t *testing.T) {
	Convey("Given an acquired and released slot", t, func() {
		r := NewRegistry[payload]()
		s := r.Acquire()
		r.Release(s)

		Convey("Releasing it again panics", func() {
			So(func() { r.Release(s) }, ShouldPanicWith, ErrInactiveSlot)
		})
	})
}

func TestRegistryProtectedIsSortedAndDeduplicated(t *testing.T) {
	Convey("Given several slots publishing overlapping addresses", t, func() {
		r := NewRegistry[payload]()
		ps := []*payload{{n: 1}, {n: 2}, {n: 3}}

		for _, p := range ps {
			protect(r.Acquire(), p)
			protect(r.Acquire(), p)
		}
		r.Acquire() // held, nil payload

		got := r.Protected(make([]uintptr, 0, 8))

		Convey("Then each address appears once in ascending order", func() {
			So(len(got), ShouldEqual, len(ps))
			for i := 1; i < len(got); i++ {
				So(got[i-1], ShouldBeLessThan, got[i])
			}
			for _, p := range ps {
				So(got, ShouldContain, addr(p))
			}
		})
	})
}

func TestSlotProtect(t *testing.T) {
	Convey("Given a shared pointer and a slot", t, func() {
		r := NewRegistry[payload]()
		var shared atomic.Pointer[payload]

		Convey("Protecting a nil pointer publishes nil", func() {
			s := r.Acquire()
			So(s.Protect(&shared), ShouldBeNil)
			So(s.Load(), ShouldBeNil)
		})

		Convey("Protecting a stable pointer publishes it", func() {
			p := &payload{n: 7}
			shared.Store(p)
			s := r.Acquire()
			So(s.Protect(&shared), ShouldEqual, p)
			So(s.Load(), ShouldEqual, p)
			So(isProtected(r, p), ShouldBeTrue)
		})
	})
}

func TestSlotProtectUnderChurn(t *testing.T) {
	r := NewRegistry[payload]()
	var shared atomic.Pointer[payload]
	shared.Store(&payload{})

	var stop atomic.Bool
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; !stop.Load(); i++ {
			shared.Store(&payload{n: i})
		}
	}()

	for i := 0; i < 10000; i++ {
		s := r.Acquire()
		p := s.Protect(&shared)
		if s.Load() != p {
			t.Fatalf("published %p, returned %p", s.Load(), p)
		}
		r.Release(s)
	}

	stop.Store(true)
	wg.Wait()
}

func TestRegistryConcurrentAcquireRelease(t *testing.T) {
	Convey("Given a new registry", t, func() {
		r := NewRegistry[payload]()

		Convey("When many goroutines acquire and release concurrently", func() {
			const numGoroutines = 16
			const numOps = 2000

			var held atomic.Int64
			var peak atomic.Int64
			var wg sync.WaitGroup
			for i := 0; i < numGoroutines; i++ {
				wg.Add(1)
				go func(id int) {
					defer wg.Done()
					p := &payload{n: id}
					for j := 0; j < numOps; j++ {
						s := r.Acquire()
						protect(s, p)
						n := held.Add(1)
						for {
							cur := peak.Load()
							if n <= cur || peak.CompareAndSwap(cur, n) {
								break
							}
						}
						if s.Load() != p {
							t.Errorf("slot shared between goroutines")
						}
						held.Add(-1)
						r.Release(s)
					}
				}(i)
			}
			wg.Wait()

			Convey("Then no slot is left active", func() {
				So(r.ActiveCount(), ShouldEqual, 0)
				So(r.Protected(nil), ShouldBeEmpty)
			})

			Convey("And the slot count stays in the order of the goroutine count", func() {
				// a walker can miss a slot released behind it and allocate
				So(r.SlotCount(), ShouldBeGreaterThanOrEqualTo, 1)
				So(r.SlotCount(), ShouldBeLessThanOrEqualTo, 2*numGoroutines)
				So(peak.Load(), ShouldBeLessThanOrEqualTo, numGoroutines)
			})
		})
	})
}

func TestRegistryClose(t *testing.T) {
	Convey("Given a registry with released slots", t, func() {
		r := NewRegistry[payload]()
		a, b := r.Acquire(), r.Acquire()
		r.Release(a)
		r.Release(b)

		Convey("Close succeeds and empties the list", func() {
			So(r.Close(), ShouldBeNil)
			So(r.ActiveCount(), ShouldEqual, 0)
			So(r.SlotCount(), ShouldEqual, 2)
		})
	})

	Convey("Given a registry with a held slot", t, func() {
		r := NewRegistry[payload]()
		protect(r.Acquire(), &payload{})
		r.Acquire()

		Convey("Close reports the held slots", func() {
			err := r.Close()
			So(err, ShouldNotBeNil)
			So(errors.Is(err, ErrSlotsActive), ShouldBeTrue)
			So(err.Error(), ShouldEndWith, ": 2")
			So(r.Protected(nil), ShouldBeEmpty)
		})
	})
}

func BenchmarkAcquireRelease(b *testing.B) {
	r := NewRegistry[payload]()
	p := &payload{}
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			s := r.Acquire()
			protect(s, p)
			r.Release(s)
		}
	})
}

// protect publishes p in s the way a reader does.
func protect[T any](s *Slot[T], p *T) {
	var src atomic.Pointer[T]
	src.Store(p)
	s.Protect(&src)
}

func isProtected(r *Registry[payload], p *payload) bool {
	_, found := slices.BinarySearch(r.Protected(nil), addr(p))
	return found
}
