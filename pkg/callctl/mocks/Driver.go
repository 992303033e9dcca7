package mocks

import (
	"context"

	"github.com/arzzra/callctl/pkg/callctl"
	"github.com/stretchr/testify/mock"
)

// Driver mock callctl.Driver на testify/mock
type Driver struct {
	mock.Mock
}

// Command provides a mock function with given fields: ctx, cmd
func (_m *Driver) Command(ctx context.Context, cmd callctl.Command) error {
	ret := _m.Called(ctx, cmd)

	if len(ret) == 0 {
		panic("no return value specified for Command")
	}

	var r0 error
	if rf, ok := ret.Get(0).(func(context.Context, callctl.Command) error); ok {
		r0 = rf(ctx, cmd)
	} else {
		r0 = ret.Error(0)
	}
	return r0
}

// Transmit provides a mock function with given fields: ctx, channel, payload
func (_m *Driver) Transmit(ctx context.Context, channel int, payload []byte) (int, error) {
	ret := _m.Called(ctx, channel, payload)

	if len(ret) == 0 {
		panic("no return value specified for Transmit")
	}

	var r0 int
	var r1 error
	if rf, ok := ret.Get(0).(func(context.Context, int, []byte) (int, error)); ok {
		return rf(ctx, channel, payload)
	}
	if rf, ok := ret.Get(0).(func(context.Context, int, []byte) int); ok {
		r0 = rf(ctx, channel, payload)
	} else {
		r0 = ret.Get(0).(int)
	}
	if rf, ok := ret.Get(1).(func(context.Context, int, []byte) error); ok {
		r1 = rf(ctx, channel, payload)
	} else {
		r1 = ret.Error(1)
	}
	return r0, r1
}

// CommandCode матчер команды по коду
func CommandCode(code callctl.CommandCode) interface{} {
	return mock.MatchedBy(func(cmd callctl.Command) bool { return cmd.Code == code })
}

// NewDriver создает mock и проверяет ожидания по завершении теста
func NewDriver(t interface {
	mock.TestingT
	Cleanup(func())
}) *Driver {
	m := &Driver{}
	m.Mock.Test(t)

	t.Cleanup(func() { m.AssertExpectations(t) })
	return m
}
