// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package clusterrpc

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"unicode"
	"unicode/utf8"

	"go.uber.org/zap"
)

// Method serves one remote method. args are the decoded message
// arguments; reply must be called once with the results or an error.
type Method func(ctx context.Context, args []any, reply ReplyFunc)

// Service maps method names to methods.
type Service map[string]Method

// Services maps namespace to service name to service.
type Services map[string]map[string]Service

var methodType = reflect.TypeOf(Method(nil))

// ServiceOf builds a Service from the exported methods of rcvr that have
// the Method signature. Each method is registered under its Go name and
// under its lower-camel form, so GetUser also answers to getUser.
func ServiceOf(rcvr any) (Service, error) {
	v := reflect.ValueOf(rcvr)
	t := v.Type()
	svc := make(Service)
	for i := 0; i < t.NumMethod(); i++ {
		m := t.Method(i)
		if !m.IsExported() {
			continue
		}
		bound := v.Method(i)
		if !bound.Type().ConvertibleTo(methodType) {
			continue
		}
		fn := bound.Convert(methodType).Interface().(Method)
		svc[m.Name] = fn
		svc[lowerCamel(m.Name)] = fn
	}
	if len(svc) == 0 {
		return nil, fmt.Errorf("type %s has no methods of the form func(context.Context, []any, ReplyFunc)", t)
	}
	return svc, nil
}

func lowerCamel(name string) string {
	r, size := utf8.DecodeRuneInString(name)
	return string(unicode.ToLower(r)) + name[size:]
}

// Dispatcher resolves a message to a method and invokes it. The service
// table can be swapped at any time; each Route works against one
// snapshot.
type Dispatcher struct {
	services atomic.Pointer[Services]
	logger   *zap.Logger
	metrics  *Metrics
}

func NewDispatcher(services Services) *Dispatcher {
	d := &Dispatcher{logger: zap.NewNop()}
	d.Reload(services)
	return d
}

// Reload replaces the whole service table.
func (d *Dispatcher) Reload(services Services) {
	if services == nil {
		services = Services{}
	}
	d.services.Store(&services)
}

// Route invokes the method named by msg. Resolution failures and panics
// raised by the method are reported through reply, which runs at most
// once.
func (d *Dispatcher) Route(ctx context.Context, msg *Message, reply ReplyFunc) {
	var (
		once    sync.Once
		replied atomic.Bool
	)
	done := func(results []any, err error) {
		once.Do(func() {
			replied.Store(true)
			d.metrics.servedDone(err)
			if reply != nil {
				reply(results, err)
			}
		})
	}

	services := *d.services.Load()
	namespace, ok := services[msg.Namespace]
	if !ok {
		d.logger.Warn("route", zap.String("namespace", msg.Namespace), zap.Error(ErrUnknownNamespace))
		done(nil, fmt.Errorf("%w:%s", ErrUnknownNamespace, msg.Namespace))
		return
	}
	service, ok := namespace[msg.Service]
	if !ok {
		d.logger.Warn("route", zap.String("service", msg.Service), zap.Error(ErrUnknownService))
		done(nil, fmt.Errorf("%w:%s", ErrUnknownService, msg.Service))
		return
	}
	method, ok := service[msg.Method]
	if !ok || method == nil {
		d.logger.Warn("route", zap.String("service", msg.Service), zap.String("method", msg.Method), zap.Error(ErrUnknownMethod))
		done(nil, fmt.Errorf("%w:%s", ErrUnknownMethod, msg.Method))
		return
	}

	defer func() {
		if p := recover(); p != nil {
			err := panicError(p)
			d.logger.Error("service method panicked",
				zap.String("service", msg.Service),
				zap.String("method", msg.Method),
				zap.Bool("replied", replied.Load()),
				zap.String("panic", err.Message))
			done(nil, err)
		}
	}()
	method(ctx, msg.Args, done)
}
