package main

func fresh() {}
